package cases

import (
	"testing"

	"github.com/linnemanlabs/casebridge/internal/alert"
)

func TestPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity string
		want     string
	}{
		{"ok", "060 Informational"},
		{"UP", "060 Informational"},
		{"informational", "060 Informational"},
		{"unknown", "070 Unknown"},
		{"warning", "080 Warning"},
		{"Minor", "080 Warning"},
		{"major", "090 Critical"},
		{"critical", "090 Critical"},
		{"down", "090 Critical"},
		{"unreachable", "090 Critical"},
		{"bogus", "070 Unknown"},
		{"", "070 Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			t.Parallel()
			if got := Priority(tt.severity); got != tt.want {
				t.Errorf("Priority(%q) = %q, want %q", tt.severity, got, tt.want)
			}
		})
	}
}

func TestBuildPayload_Fallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		alert       alert.Alert
		wantHost    string
		wantService string
		wantCluster string
	}{
		{
			name:        "resource and first service",
			alert:       alert.Alert{Resource: "node-1", Service: []string{"net", "dns"}},
			wantHost:    "node-1",
			wantService: "net",
		},
		{
			name:        "instance attribute",
			alert:       alert.Alert{Attributes: map[string]any{"instance": "10.0.0.1:9100", "cluster_id": "c-9"}},
			wantHost:    "10.0.0.1:9100",
			wantService: Unknown,
			wantCluster: "c-9",
		},
		{
			name:        "nothing to go on",
			alert:       alert.Alert{Service: []string{}},
			wantHost:    Unknown,
			wantService: Unknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := BuildPayload("s", "b", &tt.alert, "id", "env")
			if p.Host != tt.wantHost || p.Service != tt.wantService || p.ClusterID != tt.wantCluster {
				t.Errorf("host/service/cluster = %q/%q/%q, want %q/%q/%q",
					p.Host, p.Service, p.ClusterID, tt.wantHost, tt.wantService, tt.wantCluster)
			}
			if p.IsMosAlert != "true" || p.AlertID != "id" || p.Environment != "env" {
				t.Errorf("fixed fields = %+v", p)
			}
		})
	}
}
