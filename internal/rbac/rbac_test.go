package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "client send", role: RoleClient, action: ActionSend, allow: true},
		{name: "client review", role: RoleClient, action: ActionReview, allow: false},
		{name: "professional start", role: RoleProfessional, action: ActionStart, allow: true},
		{name: "business read", role: RoleBusiness, action: ActionRead, allow: true},
		{name: "admin review", role: RoleAdmin, action: ActionReview, allow: true},
		{name: "admin send", role: RoleAdmin, action: ActionSend, allow: false},
		{name: "admin start", role: RoleAdmin, action: ActionStart, allow: false},
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

func TestNormalize(t *testing.T) {
	if got := Normalize("business"); got != RoleBusiness {
		t.Fatalf("Normalize(business) = %q", got)
	}
	if got := Normalize(""); got != RoleClient {
		t.Fatalf("Normalize(\"\") = %q, want client", got)
	}
	if !IsProvider(RoleBusiness) || IsProvider(RoleClient) {
		t.Fatal("unexpected IsProvider result")
	}
}
