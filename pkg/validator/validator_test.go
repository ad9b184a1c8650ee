package validator

import "testing"

type uploadForm struct {
	SenderID    string `json:"senderId" validate:"required"`
	RecipientID string `json:"recipientId" validate:"required"`
	TTLHours    int    `json:"ttlHours" validate:"min=1,max=168"`
}

func TestValidateStructReportsFieldNames(t *testing.T) {
	err := ValidateStruct(uploadForm{TTLHours: 0})
	if err == nil {
		t.Fatal("expected validation failure")
	}

	failures, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(failures) != 3 {
		t.Fatalf("expected 3 failures, got %d: %v", len(failures), failures)
	}
	if failures[0].Field != "senderId" {
		t.Fatalf("expected json field name, got %q", failures[0].Field)
	}
}

func TestValidateStructPasses(t *testing.T) {
	err := ValidateStruct(uploadForm{SenderID: "u1", RecipientID: "u2", TTLHours: 24})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
