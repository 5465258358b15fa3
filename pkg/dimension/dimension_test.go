package dimension

import "testing"

func TestExtractEmptyText(t *testing.T) {
	v, scores := NewRuleExtractor().Extract("")
	for i, x := range v {
		if x != 0 {
			t.Fatalf("slot %d (%s): want 0 for empty text, got %v", i, slotOrder[i], x)
		}
	}
	if len(scores) != Width {
		t.Fatalf("want %d scored slots, got %d", Width, len(scores))
	}
}

func TestExtractUrgencyAndDeadline(t *testing.T) {
	_, scores := NewRuleExtractor().Extract("This is urgent, please fix it by tomorrow.")
	if scores[Urgency] <= 0 {
		t.Errorf("Urgency: want > 0, got %v", scores[Urgency])
	}
	if scores[DeadlineProximity] <= 0 {
		t.Errorf("DeadlineProximity: want > 0, got %v", scores[DeadlineProximity])
	}
}

func TestExtractValenceSign(t *testing.T) {
	_, pos := NewRuleExtractor().Extract("Thanks, this works great!")
	if pos[Valence] <= 0 {
		t.Errorf("positive text: want Valence > 0, got %v", pos[Valence])
	}
	_, neg := NewRuleExtractor().Extract("This is broken and terrible.")
	if neg[Valence] >= 0 {
		t.Errorf("negative text: want Valence < 0, got %v", neg[Valence])
	}
}

func TestExtractClampsToDeclaredRange(t *testing.T) {
	repeated := "urgent urgent urgent asap asap immediately critical now emergency"
	_, scores := NewRuleExtractor().Extract(repeated)
	if scores[Urgency] > 1 {
		t.Errorf("Urgency must clamp to <= 1, got %v", scores[Urgency])
	}
}

func TestExtractContextualMultiLabel(t *testing.T) {
	_, scores := NewRuleExtractor().Extract("How to fix this bug: first, then deploy the server.")
	if scores[Technical] <= 0 {
		t.Errorf("Technical: want > 0, got %v", scores[Technical])
	}
	if scores[Instructional] <= 0 {
		t.Errorf("Instructional: want > 0, got %v", scores[Instructional])
	}
}

func TestVectorSlotOrderMatchesScoreMap(t *testing.T) {
	v, scores := NewRuleExtractor().Extract("we must work together, team, on this urgent deadline today")
	for i, slot := range slotOrder {
		if v[i] != scores[slot] {
			t.Errorf("slot %s: vector value %v != map value %v", slot, v[i], scores[slot])
		}
	}
}
