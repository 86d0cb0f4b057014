package chain

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "chain.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDefaultTemplateSeeded(t *testing.T) {
	s := newTestStore(t)
	tmpl, err := s.GetTemplate(DefaultTemplateID)
	if err != nil || tmpl == nil {
		t.Fatalf("expected default template, got %v / %v", tmpl, err)
	}
}

func TestCreateTemplateNonSequentialOrdersRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateTemplate(CreateTemplateInput{
		Name:  "bad",
		Steps: []TemplateStep{{Order: 0, RequiredRole: "it"}, {Order: 2, RequiredRole: "legal"}},
	})
	if err != ErrNonSequentialOrders {
		t.Fatalf("expected ErrNonSequentialOrders, got %v", err)
	}
}

func TestUpdateDeleteDefaultRejected(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpdateTemplate(DefaultTemplateID, CreateTemplateInput{Name: "x", Steps: []TemplateStep{{Order: 0, RequiredRole: "a"}}}); err != ErrDefaultTemplateLocked {
		t.Fatalf("expected locked error, got %v", err)
	}
	if err := s.DeleteTemplate(DefaultTemplateID); err != ErrDefaultTemplateLocked {
		t.Fatalf("expected locked error, got %v", err)
	}
}

func parallelTemplate(t *testing.T, s *Store) *Template {
	t.Helper()
	tmpl, err := s.CreateTemplate(CreateTemplateInput{
		Name: "parallel",
		Steps: []TemplateStep{
			{Order: 0, RequiredRole: "it", Label: "IT"},
			{Order: 0, RequiredRole: "legal", Label: "Legal"},
			{Order: 1, RequiredRole: "admin", Label: "Admin"},
		},
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tmpl
}

func TestParallelChainAdvancesAfterBothApprove(t *testing.T) {
	s := newTestStore(t)
	tmpl := parallelTemplate(t, s)

	steps, err := s.CreateChainForApproval("appr-1", tmpl.ID)
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}

	var itID, legalID string
	for _, st := range steps {
		switch st.RequiredRole {
		case "it":
			itID = st.ID
		case "legal":
			legalID = st.ID
		}
	}

	res, err := s.DecideStep(DecideStepInput{StepID: itID, DeciderID: "u1", Status: StepApproved})
	if err != nil || res == nil {
		t.Fatalf("decide it: %v", err)
	}
	if res.Advanced {
		t.Fatalf("expected not advanced yet with sibling still active")
	}

	res, err = s.DecideStep(DecideStepInput{StepID: legalID, DeciderID: "u2", Status: StepApproved})
	if err != nil || res == nil {
		t.Fatalf("decide legal: %v", err)
	}
	if !res.Advanced {
		t.Fatalf("expected advance to next order-group")
	}

	active, err := s.GetActiveSteps("appr-1")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if len(active) != 1 || active[0].RequiredRole != "admin" {
		t.Fatalf("expected admin step active, got %+v", active)
	}

	res, err = s.DecideStep(DecideStepInput{StepID: active[0].ID, DeciderID: "u3", Status: StepApproved})
	if err != nil || res == nil {
		t.Fatalf("decide admin: %v", err)
	}
	if !res.AllApproved {
		t.Fatalf("expected all_approved after final step")
	}
}

func TestRejectionSkipsRemainingSteps(t *testing.T) {
	s := newTestStore(t)
	tmpl := parallelTemplate(t, s)
	steps, _ := s.CreateChainForApproval("appr-2", tmpl.ID)

	var itID, legalID string
	for _, st := range steps {
		switch st.RequiredRole {
		case "it":
			itID = st.ID
		case "legal":
			legalID = st.ID
		}
	}

	if _, err := s.DecideStep(DecideStepInput{StepID: itID, DeciderID: "u1", Status: StepApproved}); err != nil {
		t.Fatalf("decide it: %v", err)
	}
	res, err := s.DecideStep(DecideStepInput{StepID: legalID, DeciderID: "u2", Status: StepRejected})
	if err != nil || res == nil {
		t.Fatalf("decide legal reject: %v", err)
	}
	if !res.Rejected {
		t.Fatalf("expected rejected=true")
	}

	all, err := s.GetStepsForApproval("appr-2")
	if err != nil {
		t.Fatalf("get steps: %v", err)
	}
	for _, st := range all {
		switch st.RequiredRole {
		case "it":
			if st.Status != StepApproved {
				t.Fatalf("expected it to remain approved, got %s", st.Status)
			}
		case "legal":
			if st.Status != StepRejected {
				t.Fatalf("expected legal rejected, got %s", st.Status)
			}
		case "admin":
			if st.Status != StepSkipped {
				t.Fatalf("expected admin skipped, got %s", st.Status)
			}
		}
	}
}

func TestDecideStepOnlyOneWinnerUnderRace(t *testing.T) {
	s := newTestStore(t)
	steps, _ := s.CreateChainForApproval("appr-3", DefaultTemplateID)
	stepID := steps[0].ID

	type outcome struct{ ok bool }
	results := make(chan outcome, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			res, err := s.DecideStep(DecideStepInput{StepID: stepID, DeciderID: "u", Status: StepApproved})
			results <- outcome{ok: err == nil && res != nil}
		}(i)
	}
	winners := 0
	for i := 0; i < 10; i++ {
		if (<-results).ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestCreateChainTwiceFails(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateChainForApproval("appr-4", DefaultTemplateID); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.CreateChainForApproval("appr-4", DefaultTemplateID); err != ErrChainExists {
		t.Fatalf("expected ErrChainExists, got %v", err)
	}
}
