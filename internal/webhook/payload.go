// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package webhook

import (
	"encoding/json"
	"strings"

	appErrors "github.com/kraklabs/cie/internal/errors"
)

// pushPayload is the subset of a forge's push-event JSON body this runner
// understands (§6 "Forge compatibility": a single forge's push-event
// shape). Hand-rolled rather than built on a forge SDK's webhook types,
// since the project-level webhook secret here is optional per project —
// an all-or-nothing verifier like go-github's ValidatePayload doesn't fit
// a fleet where some projects never configure a secret at all.
type pushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"repository"`
	HeadCommit struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
	} `json:"head_commit"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

const branchRefPrefix = "refs/heads/"

// decodePushPayload parses body and extracts the branch name from ref,
// rejecting anything that isn't a branch ref (tags, nothing at all) per
// §8's boundary behavior for `refs/tags/v1`.
func decodePushPayload(body []byte) (pushPayload, string, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return pushPayload{}, "", appErrors.NewPayloadError("malformed JSON body", err.Error())
	}
	if !strings.HasPrefix(p.Ref, branchRefPrefix) {
		return pushPayload{}, "", appErrors.NewPayloadError("ref is not a branch ref", p.Ref)
	}
	branch := strings.TrimPrefix(p.Ref, branchRefPrefix)
	if branch == "" {
		return pushPayload{}, "", appErrors.NewPayloadError("ref names no branch", p.Ref)
	}
	return p, branch, nil
}
