package membarrier

import "testing"

func TestKernelAtLeast(t *testing.T) {
	tests := []struct {
		release string
		min     string
		want    bool
	}{
		{"6.1.0-13-amd64", "v4.14", true},
		{"4.14.0", "v4.14", true},
		{"4.13.16-generic", "v4.14", false},
		{"3.10.0-1160.el7.x86_64", "v4.14", false},
		{"5.15.133.1-microsoft-standard-WSL2", "v4.14", true},
		{"4.14", "v4.14", true},
		{"6.8.0-rc1", "v4.14", true},
		{"", "v4.14", false},
		{"linux", "v4.14", false},
	}
	for _, tt := range tests {
		if got := kernelAtLeast(tt.release, tt.min); got != tt.want {
			t.Errorf("kernelAtLeast(%q, %q) = %v, want %v", tt.release, tt.min, got, tt.want)
		}
	}
}

func TestRegisterAndIssue(t *testing.T) {
	if !Supported() {
		t.Skip("membarrier private expedited not supported on this kernel")
	}
	if err := Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Issue(); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	// Registration is idempotent.
	if err := Register(); err != nil {
		t.Errorf("second Register: %v", err)
	}
}
