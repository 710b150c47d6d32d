package security

import "testing"

func TestIsPrivateIPAddressOctalDecimalHex(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"0177.0.0.1", true},       // octal 0177 == 127
		{"0x7f.0.0.1", true},       // hex 0x7f == 127
		{"2130706433", true},       // raw decimal == 127.0.0.1
		{"0x7f000001", true},       // raw hex == 127.0.0.1
		{"127.1", true},            // short dotted form == 127.0.0.1
		{"10.0.0.5", true},
		{"192.168.1.1", true},
		{"169.254.1.1", true},
		{"100.64.0.1", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"::1", true},
		{"::ffff:127.0.0.1", true},
	}
	for _, c := range cases {
		got := IsPrivateIPAddress(c.host)
		if got != c.want {
			t.Errorf("IsPrivateIPAddress(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}

func TestIsBlockedHostname(t *testing.T) {
	for _, h := range []string{"localhost", "metadata.google.internal", "foo.internal", "x.localhost"} {
		if !IsBlockedHostname(h) {
			t.Errorf("expected %q to be blocked", h)
		}
	}
	if IsBlockedHostname("example.com") {
		t.Errorf("expected example.com not blocked")
	}
}

func TestFilterEnvStripsSecrets(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"ANTHROPIC_API_KEY=sk-secret",
		"SESSION_TOKEN=abc",
		"DB_PASSWORD=hunter2",
		"KESTREL_STATE_DIR=/var/lib/kestrel",
		"HOME=/home/user",
	}
	out := FilterEnv(env, map[string]string{"WORKDIR": "/tmp/job"})
	m := map[string]bool{}
	for _, kv := range out {
		m[kv] = true
	}
	for _, leaked := range []string{"ANTHROPIC_API_KEY=sk-secret", "SESSION_TOKEN=abc", "DB_PASSWORD=hunter2", "KESTREL_STATE_DIR=/var/lib/kestrel"} {
		if m[leaked] {
			t.Errorf("expected %q to be filtered out", leaked)
		}
	}
	if !m["PATH=/usr/bin"] || !m["HOME=/home/user"] {
		t.Errorf("expected non-secret vars to survive filtering")
	}
	if !m["WORKDIR=/tmp/job"] {
		t.Errorf("expected override to be present")
	}
}
