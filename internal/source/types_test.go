package source

import "testing"

func TestCategoriesMatch(t *testing.T) {
	cases := []struct {
		name      string
		declared  []string
		requested []string
		want      bool
	}{
		{"no filter matches everything", []string{"ops"}, nil, true},
		{"adapter with no declared categories matches everything", nil, []string{"ops"}, true},
		{"intersecting category matches", []string{"ops", "docs"}, []string{"billing", "ops"}, true},
		{"disjoint categories reject", []string{"ops"}, []string{"billing"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CategoriesMatch(tc.declared, tc.requested); got != tc.want {
				t.Fatalf("CategoriesMatch(%v, %v) = %v, want %v", tc.declared, tc.requested, got, tc.want)
			}
		})
	}
}

func TestFilters_HasConfidenceThreshold(t *testing.T) {
	if (Filters{ConfidenceThreshold: 0}).HasConfidenceThreshold() {
		t.Fatalf("zero threshold should be treated as absent")
	}
	if (Filters{ConfidenceThreshold: -0.1}).HasConfidenceThreshold() {
		t.Fatalf("negative threshold should be treated as absent")
	}
	if (Filters{ConfidenceThreshold: 1.5}).HasConfidenceThreshold() {
		t.Fatalf("out-of-range threshold should be treated as absent")
	}
	if !(Filters{ConfidenceThreshold: 0.5}).HasConfidenceThreshold() {
		t.Fatalf("in-range threshold should be usable")
	}
}

func TestRunbook_HasProcedures(t *testing.T) {
	if (Runbook{}).HasProcedures() {
		t.Fatalf("empty runbook should report no procedures")
	}
	if !(Runbook{Procedures: []Procedure{{ID: "step_1"}}}).HasProcedures() {
		t.Fatalf("runbook with a procedure should report true")
	}
}

func TestRequestTimeout(t *testing.T) {
	if got := RequestTimeout(0); got != DefaultRequestTimeout {
		t.Fatalf("RequestTimeout(0) = %v, want default %v", got, DefaultRequestTimeout)
	}
	if got := RequestTimeout(5); got != 5 {
		t.Fatalf("RequestTimeout(5) = %v, want 5", got)
	}
}
