// Copyright (c) 2021 - 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		identity, logs, device bool
		want                   Status
		wantText               string
	}{
		{true, true, true, Active, "All checks passed"},
		{true, true, false, Active, "Device accessibility check failed"},
		{true, false, true, Active, "Some checks failed"},
		{true, false, false, Active, "Some checks failed"},
		{false, true, true, Inactive, "TPM device available but not configured"},
		{false, false, true, Inactive, "TPM device available but not configured"},
		{false, true, false, Inactive, "TPM device not accessible"},
		{false, false, false, Inactive, "TPM device not accessible"},
	}
	for _, tt := range tests {
		name := fmt.Sprintf("identity=%v,logs=%v,device=%v", tt.identity, tt.logs, tt.device)
		t.Run(name, func(t *testing.T) {
			got := Aggregate(tt.identity, tt.logs, tt.device)
			if got.Status != tt.want {
				t.Errorf("Aggregate() Status = %v, want %v", got.Status, tt.want)
			}
			if got.Explanation == "" {
				t.Fatalf("Aggregate() Explanation is empty")
			}
			if !strings.Contains(got.Explanation, tt.wantText) {
				t.Errorf("Aggregate() Explanation = %q, want to contain %q", got.Explanation, tt.wantText)
			}
			// INACTIVE contains ACTIVE, so the tokens are checked separately
			if tt.want == Active {
				if !strings.Contains(got.Explanation, "ACTIVE") || strings.Contains(got.Explanation, "INACTIVE") {
					t.Errorf("Aggregate() Explanation = %q, want ACTIVE and not INACTIVE", got.Explanation)
				}
			} else if !strings.Contains(got.Explanation, "INACTIVE") {
				t.Errorf("Aggregate() Explanation = %q, want INACTIVE", got.Explanation)
			}
			if got.Indicators != (Indicators{tt.identity, tt.logs, tt.device}) {
				t.Errorf("Aggregate() Indicators = %+v", got.Indicators)
			}
		})
	}
}

func TestHasTpmEvidence(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"Plugin Loaded", `level=info msg="Plugin loaded" external=false plugin_name=tpm plugin_type=NodeAttestor`, true},
		{"Uppercase", "TPM DEVICE OPENED", true},
		{"Key Generated", "tpm key generated", true},
		{"Attestation Complete", "TPM attestation complete", true},
		{"TPM Without Keyword", "tpm", false},
		{"Keyword Without TPM", "Plugin loaded plugin_name=join_token", false},
		{"Empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasTpmEvidence(tt.content); got != tt.want {
				t.Errorf("HasTpmEvidence(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

func TestScanLog(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{
			name:    "Agent Log With TPM Attestor",
			content: "level=info msg=\"Starting agent\"\nlevel=info msg=\"Plugin loaded\" plugin_name=tpm plugin_type=NodeAttestor\n",
			want:    true,
		},
		{
			name:    "Keywords On Separate Lines",
			content: "level=info msg=\"Starting agent\"\nlevel=debug msg=\"tpm\"\n",
			want:    false,
		},
		{
			name:    "Join Token Agent",
			content: "level=info msg=\"Plugin loaded\" plugin_name=join_token plugin_type=NodeAttestor\n",
			want:    false,
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := filepath.Join(dir, fmt.Sprintf("agent%d.log", i))
			if err := os.WriteFile(file, []byte(tt.content), 0644); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			got, err := ScanLog(file)
			if err != nil {
				t.Fatalf("ScanLog() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ScanLog() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := ScanLog(filepath.Join(dir, "missing.log")); err == nil {
		t.Errorf("ScanLog() expected error for missing file")
	}
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	agentLog := filepath.Join(dir, "agent.log")
	err := os.WriteFile(agentLog, []byte("level=info msg=\"Plugin loaded\" plugin_name=tpm\n"), 0644)
	if err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	missingDevice := filepath.Join(dir, "tpm0")

	tests := []struct {
		name     string
		src      Source
		want     Status
		wantText string
	}{
		{
			name: "TPM Agent Without Device",
			src: Source{
				AgentId:   "spiffe://example.org/spire/agent/tpm/abc123",
				AgentLog:  agentLog,
				TpmDevice: missingDevice,
			},
			want:     Active,
			wantText: "Device accessibility check failed",
		},
		{
			name: "Join Token Agent",
			src: Source{
				AgentId:   "spiffe://example.org/spire/agent/join_token/abc123",
				TpmDevice: missingDevice,
			},
			want:     Inactive,
			wantText: "TPM device not accessible",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Check(context.Background(), tt.src)
			if got.Status != tt.want {
				t.Errorf("Check() Status = %v, want %v", got.Status, tt.want)
			}
			if !strings.Contains(got.Explanation, tt.wantText) {
				t.Errorf("Check() Explanation = %q, want to contain %q", got.Explanation, tt.wantText)
			}
			if got.AgentId != tt.src.AgentId {
				t.Errorf("Check() AgentId = %v, want %v", got.AgentId, tt.src.AgentId)
			}
		})
	}
}
