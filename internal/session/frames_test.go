package session

import "testing"

func TestRecommendationCreatedFrameShape(t *testing.T) {
	f := recommendationCreatedFrame(42)
	if f["type"] != "recommendation_created" || f["group_id"] != int64(42) {
		t.Errorf("unexpected frame: %v", f)
	}
}

func TestResultFrameOmitsErrorFieldWhenEmpty(t *testing.T) {
	f := resultFrame(0.01, false, "")
	if _, ok := f["error"]; ok {
		t.Errorf("expected no error key on success, got %v", f)
	}
}

func TestResultFrameIncludesErrorFieldWhenSet(t *testing.T) {
	f := resultFrame(0, true, "boom")
	if f["error"] != "boom" {
		t.Errorf("expected error field, got %v", f)
	}
}

func TestExecutionProgressFrameShape(t *testing.T) {
	f := executionProgressFrame(7, "placing_maker")
	if f["type"] != "execution_progress" || f["group_id"] != int64(7) || f["token"] != "placing_maker" {
		t.Errorf("unexpected frame: %v", f)
	}
}
