package pathvar

import (
	"testing"

	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestRequiredVariablesDedupesAndSorts(t *testing.T) {
	argv := []types.ArgvToken{
		{Kind: types.ArgvLiteral, Value: "-i"},
		{Kind: types.ArgvVar, Variable: "M", Subpath: "a.mkv"},
		{Kind: types.ArgvLiteral, Value: "-y"},
		{Kind: types.ArgvVar, Variable: "TV", Subpath: "out"},
		{Kind: types.ArgvVar, Variable: "M", Subpath: "b.mkv"},
	}
	assert.Equal(t, []string{"M", "TV"}, RequiredVariables(argv))
}

func TestRequiredVariablesEmptyArgv(t *testing.T) {
	assert.Empty(t, RequiredVariables(nil))
}

func TestValidateArgvRejectsBadVariableName(t *testing.T) {
	argv := []types.ArgvToken{
		{Kind: types.ArgvVar, Variable: "1bad"},
	}
	bad, ok := ValidateArgv(argv)
	assert.False(t, ok)
	assert.Equal(t, "1bad", bad)
}

func TestValidateArgvRejectsUnknownKind(t *testing.T) {
	argv := []types.ArgvToken{{Kind: "bogus"}}
	_, ok := ValidateArgv(argv)
	assert.False(t, ok)
}

func TestValidateArgvAcceptsWellFormed(t *testing.T) {
	argv := []types.ArgvToken{
		{Kind: types.ArgvLiteral, Value: "-i"},
		{Kind: types.ArgvVar, Variable: "M_1", Subpath: "/etc/passwd"},
	}
	_, ok := ValidateArgv(argv)
	assert.True(t, ok, "subpath content is opaque and must never be validated as a path")
}

func TestWorkerEligible(t *testing.T) {
	assert.True(t, WorkerEligible([]string{"M", "TV"}, []string{"M"}))
	assert.True(t, WorkerEligible([]string{"M", "TV"}, nil))
	assert.False(t, WorkerEligible([]string{"TV"}, []string{"M"}))
}

func TestValidNamePattern(t *testing.T) {
	assert.True(t, ValidName("M"))
	assert.True(t, ValidName("_private1"))
	assert.False(t, ValidName("1leading"))
	assert.False(t, ValidName("has-dash"))
	assert.False(t, ValidName(""))
}
