package channel

import "testing"

func TestMatchChannel(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		match   bool
		params  map[string]string
	}{
		{"lobby", "lobby", true, map[string]string{}},
		{"lobby", "lobby:2", false, nil},

		{"room:{id}", "room:42", true, map[string]string{"id": "42"}},
		{"room:{id}", "room", false, nil},
		{"room:{id}", "room:42:extra", false, nil},

		{"files:{path*}", "files:a", true, map[string]string{"path": "a"}},
		{"files:{path*}", "files:a:b:c", true, map[string]string{"path": "a:b:c"}},
		{"files:{path*}", "files", false, nil},

		{"chat:{room}:{user?}", "chat:go", true, map[string]string{"room": "go"}},
		{"chat:{room}:{user?}", "chat:go:ada", true, map[string]string{"room": "go", "user": "ada"}},
		{"chat:{room}:{user?}", "chat:go:ada:extra", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			params, ok := MatchChannel(tt.pattern, tt.name)
			if ok != tt.match {
				t.Fatalf("match = %v, want %v", ok, tt.match)
			}
			if !tt.match {
				return
			}
			if len(params) != len(tt.params) {
				t.Fatalf("params = %v, want %v", params, tt.params)
			}
			for k, v := range tt.params {
				if params[k] != v {
					t.Errorf("param %s = %q, want %q", k, params[k], v)
				}
			}
		})
	}
}
