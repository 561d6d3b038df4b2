package foundation

import (
	"testing"
)

func TestOption(t *testing.T) {
	t.Run("Some option", func(t *testing.T) {
		option := Some("value")

		if !option.IsSome() {
			t.Error("Expected option to be Some")
		}

		if option.IsNone() {
			t.Error("Expected option to not be None")
		}

		if option.Unwrap() != "value" {
			t.Error("Expected unwrap to return 'value'")
		}
	})

	t.Run("None option", func(t *testing.T) {
		option := None[string]()

		if option.IsSome() {
			t.Error("Expected option to not be Some")
		}

		if !option.IsNone() {
			t.Error("Expected option to be None")
		}

		if option.UnwrapOr("default") != "default" {
			t.Error("Expected unwrap or to return 'default'")
		}
	})

	t.Run("FromPointer", func(t *testing.T) {
		// Test non-nil pointer
		value := "test"
		option := FromPointer(&value)
		if !option.IsSome() {
			t.Error("Expected option from non-nil pointer to be Some")
		}

		// Test nil pointer
		var nilPtr *string
		option = FromPointer(nilPtr)
		if !option.IsNone() {
			t.Error("Expected option from nil pointer to be None")
		}
	})
}

func TestValidation(t *testing.T) {
	t.Run("OneOf validator", func(t *testing.T) {
		validator := OneOf("provider", []string{"github", "gitlab", "jenkins"})

		result := validator("github")
		if !result.Valid {
			t.Error("Expected 'github' to be valid")
		}

		result = validator("bitbucket")
		if result.Valid {
			t.Error("Expected 'bitbucket' to be invalid")
		}
	})

	t.Run("Chain combines failures", func(t *testing.T) {
		chain := NewValidatorChain(
			OneOf("branch", []string{"main", "master"}),
			func(string) ValidationResult {
				return Invalid(NewValidationError("branch", "frozen", "branch is frozen"))
			},
		)

		result := chain.Validate("develop")
		if result.Valid {
			t.Error("Expected combined result to be invalid")
		}
		if len(result.Errors) != 2 {
			t.Errorf("Expected both failures collected, got %d", len(result.Errors))
		}
	})

	t.Run("ToError", func(t *testing.T) {
		if err := Valid().ToError(); err != nil {
			t.Errorf("Expected nil error for valid result, got %v", err)
		}

		err := Invalid(NewValidationError("schedule", "cron", "not a cron expression")).ToError()
		if err == nil {
			t.Error("Expected error for invalid result")
		}
	})
}
