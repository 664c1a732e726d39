package rbac

import (
	"errors"
	"testing"
)

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer comment", role: RoleViewer, action: ActionComment, allow: true},
		{name: "viewer upload", role: RoleViewer, action: ActionUpload, allow: false},
		{name: "editor upload", role: RoleEditor, action: ActionUpload, allow: true},
		{name: "editor curate", role: RoleEditor, action: ActionCurate, allow: true},
		{name: "editor manage", role: RoleEditor, action: ActionManage, allow: false},
		{name: "owner manage", role: RoleOwner, action: ActionManage, allow: true},
		{name: "stranger read", role: "", action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]Role{
		"Owner":   RoleOwner,
		" editor": RoleEditor,
		"admin":   RoleViewer,
		"":        "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRequire(t *testing.T) {
	if err := Require(RoleViewer, ActionManage); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Require() error = %v, want ErrForbidden", err)
	}
	if err := Require(RoleOwner, ActionManage); err != nil {
		t.Fatalf("Require() error = %v", err)
	}
}
