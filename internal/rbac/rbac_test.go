package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "viewer inspect", role: RoleViewer, action: ActionInspect, allow: false},
		{name: "commenter read", role: RoleCommenter, action: ActionRead, allow: true},
		{name: "commenter write", role: RoleCommenter, action: ActionWrite, allow: false},
		{name: "editor write", role: RoleEditor, action: ActionWrite, allow: true},
		{name: "editor inspect", role: RoleEditor, action: ActionInspect, allow: true},
		{name: "editor admin", role: RoleEditor, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown read", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestReadOnly(t *testing.T) {
	for role, want := range map[Role]bool{
		RoleViewer:    true,
		RoleCommenter: true,
		RoleEditor:    false,
		RoleAdmin:     false,
	} {
		if got := ReadOnly(role); got != want {
			t.Fatalf("ReadOnly(%q) = %v, want %v", role, got, want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("editor"); got != RoleEditor {
		t.Fatalf("Normalize(editor) = %q", got)
	}
	if got := Normalize("owner"); got != RoleViewer {
		t.Fatalf("Normalize(owner) = %q, want viewer", got)
	}
}
