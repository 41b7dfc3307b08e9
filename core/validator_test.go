package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		input  interface{ Validate() error }
		fields map[string]string
	}{
		"valid registration": {
			input: RegisterInput{Email: "a@b.com", FirstName: "A", LastName: "B", Password: "password1", Password2: "password1"},
		},
		"registration mismatch": {
			input: RegisterInput{Email: "nope", FirstName: "<b>", LastName: "B", Password: "short", Password2: "other"},
			fields: map[string]string{
				"email":      "Please enter a valid email address",
				"first_name": "First name cannot contain HTML",
				"password":   "Password must be at least 8 characters",
				"password2":  "Passwords do not match",
			},
		},
		"login missing password": {
			input:  LoginInput{Email: "a@b.com"},
			fields: map[string]string{"password": "Password is required"},
		},
		"empty message": {
			input:  MessageInput{},
			fields: map[string]string{"body": "Message is required"},
		},
		"empty profile patch": {
			input: ProfileInput{},
		},
		"bio too long": {
			input:  ProfileInput{Bio: strings.Repeat("x", 501)},
			fields: map[string]string{"bio": "Bio must be at most 500 characters"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.input.Validate()
			if test.fields == nil {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, test.fields, verr.Fields)
		})
	}
}

func TestValidationErrorMessagesSorted(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"room_name": "b", "body": "a"}}
	assert.Equal(t, []string{"a", "b"}, err.Messages())
	assert.Equal(t, "invalid input: a; b", err.Error())
}
