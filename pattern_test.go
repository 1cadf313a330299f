package raffel

import "testing"

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		match   bool
	}{
		{"users.get", "users.get", true},
		{"users.get", "users.list", false},
		{"users.get", "users.get.one", false},

		{"users.*", "users.get", true},
		{"users.*", "users.list", true},
		{"users.*", "users", false},
		{"users.*", "users.admin.get", false},
		{"*.get", "users.get", true},
		{"*.get", "posts.get", true},
		{"*.get", "users.admin.get", false},

		{"users.**", "users.get", true},
		{"users.**", "users.admin.get", true},
		{"users.**", "users", true},
		{"users.**", "posts.get", false},
		{"**", "anything", true},
		{"**", "a.b.c.d", true},

		{"", "users.get", false},
		{"users.*.get", "users.admin.get", true},
		{"users.*.get", "users.admin.list", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			if got := MatchPattern(tt.pattern, tt.name); got != tt.match {
				t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.match)
			}
		})
	}
}
