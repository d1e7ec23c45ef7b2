package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompanyLanguages(t *testing.T) {
	assert.Equal(t, []string{"fr", "en"}, companyLanguages("fr", []string{"en", "fr"}))
	assert.Equal(t, []string{"en"}, companyLanguages("en", nil))
	assert.Equal(t, []string{"en", "fr"}, companyLanguages("en", []string{"en", "fr", "en"}))
}
