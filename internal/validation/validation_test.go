package validation

import (
	"strings"
	"testing"
)

// --- ValidateUTF8 Tests ---

func TestValidateUTF8_Valid(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"ascii", "hello world"},
		{"empty", ""},
		{"unicode", "Crème brûlée"},
		{"emoji", "Soup 🍲"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateUTF8("field", tt.value); err != nil {
				t.Errorf("ValidateUTF8(%q) = %v, want nil", tt.value, err)
			}
		})
	}
}

func TestValidateUTF8_Invalid(t *testing.T) {
	invalidUTF8 := string([]byte{0xff, 0xfe})

	err := ValidateUTF8("name", invalidUTF8)
	if err == nil {
		t.Fatal("ValidateUTF8(invalid) = nil, want error")
	}
	if err.Field != "name" {
		t.Errorf("error.Field = %q, want %q", err.Field, "name")
	}
}

// --- ValidateNoNullBytes Tests ---

func TestValidateNoNullBytes(t *testing.T) {
	if err := ValidateNoNullBytes("field", "clean"); err != nil {
		t.Errorf("ValidateNoNullBytes(clean) = %v, want nil", err)
	}
	if err := ValidateNoNullBytes("field", "a\x00b"); err == nil {
		t.Error("ValidateNoNullBytes(with null) = nil, want error")
	}
}

// --- ValidateMaxLength Tests ---

func TestValidateMaxLength(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		max     int
		wantErr bool
	}{
		{"within", "abc", 5, false},
		{"at limit", "abcde", 5, false},
		{"exceeds", "abcdef", 5, true},
		{"multibyte at limit", "ééééé", 5, false},
		{"multibyte exceeds", "éééééé", 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMaxLength("field", tt.value, tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMaxLength(%q, %d) = %v, wantErr %v", tt.value, tt.max, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMaxItems(t *testing.T) {
	if err := ValidateMaxItems("items", 3, 3); err != nil {
		t.Errorf("ValidateMaxItems(3, 3) = %v, want nil", err)
	}
	err := ValidateMaxItems("items", 4, 3)
	if err == nil || !strings.Contains(err.Message, "3") {
		t.Errorf("ValidateMaxItems(4, 3) = %v, want limit error", err)
	}
}

// --- ValidateULID Tests ---

func TestValidateULID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid", "01ARZ3NDEKTSV4RRFFQ69G5FAV", false},
		{"lowercase", "01arz3ndektsv4rrffq69g5fav", false},
		{"too short", "01ARZ3NDEK", true},
		{"too long", "01ARZ3NDEKTSV4RRFFQ69G5FAVX", true},
		{"bad char", "01ARZ3NDEKTSV4RRFFQ69G5FAU", true},
		{"overflow", "81ARZ3NDEKTSV4RRFFQ69G5FAV", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateULID("id", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateULID(%q) = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

// --- ValidateRequired Tests ---

func TestValidateRequired(t *testing.T) {
	if err := ValidateRequired("name", "Soup"); err != nil {
		t.Errorf("ValidateRequired(Soup) = %v, want nil", err)
	}
	for _, v := range []string{"", "   ", "\t\n"} {
		if err := ValidateRequired("name", v); err == nil {
			t.Errorf("ValidateRequired(%q) = nil, want error", v)
		}
	}
}

// --- ValidateEnum Tests ---

func TestValidateEnum(t *testing.T) {
	allowed := []string{"recipes", "shopping_lists"}
	if err := ValidateEnum("collection", "recipes", allowed); err != nil {
		t.Errorf("ValidateEnum(recipes) = %v, want nil", err)
	}
	err := ValidateEnum("collection", "Recipes", allowed)
	if err == nil {
		t.Fatal("ValidateEnum is case sensitive, want error")
	}
	if !strings.Contains(err.Message, "shopping_lists") {
		t.Errorf("message %q should list allowed values", err.Message)
	}
}

// --- Collector Tests ---

func TestCollector_AccumulatesErrors(t *testing.T) {
	var c Collector
	c.Add(&ValidationError{Field: "a", Message: "bad"})
	c.Add(nil)
	c.Add(&ValidationError{Field: "b", Message: "bad"})

	if !c.HasErrors() {
		t.Error("HasErrors() = false, want true")
	}
	if len(c.Errors()) != 2 {
		t.Errorf("len(Errors()) = %d, want 2", len(c.Errors()))
	}
}

func TestCollector_Empty(t *testing.T) {
	var c Collector
	if c.HasErrors() {
		t.Error("HasErrors() on empty collector = true")
	}
}

func TestCollector_ValidateText_RequiredShortCircuits(t *testing.T) {
	var c Collector
	c.ValidateText("name", "", 10)

	if len(c.Errors()) != 1 {
		t.Fatalf("len(Errors()) = %d, want 1", len(c.Errors()))
	}
	if !strings.Contains(c.Errors()[0].Message, "required") {
		t.Errorf("message = %q, want required", c.Errors()[0].Message)
	}
}
