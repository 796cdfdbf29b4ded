// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main implements the cicd-runner CLI: a self-hosted webhook
// runner that watches a TOML project file, admits push notifications over
// HTTP, and drives each admitted push through a fixed git/script pipeline.
//
// Usage:
//
//	cicd-runner [run]             Start the webhook server (default command)
//	cicd-runner validate          Validate the configuration file and exit
//	cicd-runner version           Print version information
package main
