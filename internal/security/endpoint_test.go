package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEndpointURL_Strict(t *testing.T) {
	strict := EndpointPolicy{}

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public https", "https://198.51.100.7:18083", false},
		{"public http", "http://203.0.113.10:18083", false},
		{"bad scheme", "ftp://wallet.example.com", true},
		{"no host", "http://", true},
		{"localhost", "http://localhost:18083", true},
		{"loopback ip", "http://127.0.0.1:18083", true},
		{"private ip", "http://192.168.1.5:18083", true},
		{"link local", "http://169.254.1.1:18083", true},
		{"unspecified", "http://0.0.0.0:18083", true},
		{"metadata host", "http://metadata.google.internal/latest", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url, strict)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEndpointURL_AllowPrivate(t *testing.T) {
	relaxed := EndpointPolicy{AllowPrivate: true}

	assert.NoError(t, ValidateEndpointURL("http://127.0.0.1:18083", relaxed))
	assert.NoError(t, ValidateEndpointURL("http://localhost:18083", relaxed))
	assert.NoError(t, ValidateEndpointURL("http://192.168.1.5:18083", relaxed))

	// Still rejects junk
	assert.Error(t, ValidateEndpointURL("ftp://127.0.0.1", relaxed))
	assert.Error(t, ValidateEndpointURL("http://0.0.0.0:18083", relaxed))
	assert.Error(t, ValidateEndpointURL("http://metadata.google.internal", relaxed))
}
