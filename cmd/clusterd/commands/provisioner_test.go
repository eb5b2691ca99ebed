package commands

import (
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	tests := map[string]struct {
		platform    string
		expPlatform *ocispec.Platform
		expErr      bool
	}{
		"Empty platform should use the daemon default": {
			platform: "",
		},
		"OS and architecture should parse": {
			platform:    "linux/amd64",
			expPlatform: &ocispec.Platform{OS: "linux", Architecture: "amd64"},
		},
		"Variant should parse": {
			platform:    "linux/arm64/v8",
			expPlatform: &ocispec.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"},
		},
		"Missing architecture should fail": {
			platform: "linux",
			expErr:   true,
		},
		"Empty parts should fail": {
			platform: "linux/",
			expErr:   true,
		},
		"Too many parts should fail": {
			platform: "linux/arm64/v8/x",
			expErr:   true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := parsePlatform(tc.platform)

			if tc.expErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expPlatform, p)
		})
	}
}
