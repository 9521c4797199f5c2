package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		// Public IP literals avoid DNS lookups in the test environment.
		{"public https", "https://93.184.216.34/ipfs/QmDoc", false},
		{"public http", "http://93.184.216.34/abc", false},
		{"bad scheme", "ftp://ipfs.io/doc", true},
		{"no host", "https://", true},
		{"localhost", "http://localhost/doc", true},
		{"loopback literal", "http://127.0.0.1/doc", true},
		{"private literal", "http://10.0.0.5/doc", true},
		{"link local literal", "http://169.254.169.254/latest/meta-data", true},
		{"unspecified", "http://0.0.0.0/doc", true},
		{"cloud metadata host", "http://metadata.google.internal/computeMetadata", true},
		{"non standard port", "https://93.184.216.34:8080/ipfs/QmDoc", true},
		{"explicit 443", "https://93.184.216.34:443/ipfs/QmDoc", false},
		{"not a url", "://nope", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEndpointURL(%q) = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
