// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package parley_test

import (
	"testing"

	"github.com/creachadair/parley"
)

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, network, address string
	}{
		{"", "unix", ""},
		{"/var/run/parley.sock", "unix", "/var/run/parley.sock"},
		{"like/a/file", "unix", "like/a/file"},
		{"file/with:port", "unix", "file/with:port"},
		{"host:", "unix", "host:"},
		{"host:dummy/file", "unix", "host:dummy/file"},
		{":4040", "tcp", ":4040"},
		{"localhost:4040", "tcp", "localhost:4040"},
		{"127.0.0.1:80", "tcp", "127.0.0.1:80"},
		{"host.example.com:parley-chat", "tcp", "host.example.com:parley-chat"},
	}
	for _, tc := range tests {
		network, address := parley.SplitAddress(tc.input)
		if network != tc.network || address != tc.address {
			t.Errorf("SplitAddress %q: got (%q, %q), want (%q, %q)",
				tc.input, network, address, tc.network, tc.address)
		}
	}
}
