package healthcheck

import (
	"context"
	"testing"
)

type testChecker struct {
	items []CheckResult
}

func (c *testChecker) ListChecks(context.Context, string) []CheckResult {
	return c.items
}

func TestCombineConcatenates(t *testing.T) {
	t.Parallel()

	c := Combine(
		&testChecker{items: []CheckResult{{ID: "session.state", Status: StatusOK}}},
		nil,
		&testChecker{items: []CheckResult{{ID: "authstate.creds", Status: StatusWarn}}},
	)
	items := c.ListChecks(context.Background(), "acme")
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "session.state" || items[1].ID != "authstate.creds" {
		t.Fatalf("unexpected order: %+v", items)
	}
}

func TestOverall(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		items []CheckResult
		want  string
	}{
		{"empty", nil, StatusUnknown},
		{"all ok", []CheckResult{{Status: StatusOK}, {Status: StatusOK}}, StatusOK},
		{"warn wins over ok", []CheckResult{{Status: StatusOK}, {Status: StatusWarn}}, StatusWarn},
		{"error wins", []CheckResult{{Status: StatusError}, {Status: StatusWarn}}, StatusError},
	}
	for _, tc := range cases {
		if got := Overall(tc.items); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}
