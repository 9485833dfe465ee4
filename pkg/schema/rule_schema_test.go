package schema

import (
	"testing"

	"github.com/arkfield/fdb/pkg/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromYAML(t *testing.T) {
	s, err := Load([]byte(`
db: [class, expver]
index: [type]
datum: [step, param]
`))
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestMatchFirstLevelFillsPlaceholder(t *testing.T) {
	s := New([]string{"class", "expver"}, []string{"type"}, []string{"step"})

	req := key.NewRequest()
	req.Insert("class", "od")

	matches, err := s.MatchFirstLevel(req, "*")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	v, ok := matches[0].Get("class")
	require.True(t, ok)
	assert.Equal(t, "od", v)

	v, ok = matches[0].Get("expver")
	require.True(t, ok)
	assert.Equal(t, "*", v, "unspecified DB-level name gets the placeholder")
}

func TestMatchFirstLevelFansOutMultiValuedKeywords(t *testing.T) {
	s := New([]string{"class", "expver"}, []string{"type"}, []string{"step"})

	req := key.NewRequest()
	req.Insert("class", "od")
	req.Insert("class", "rd")
	req.Insert("expver", "0001")
	req.Insert("expver", "0002")

	matches, err := s.MatchFirstLevel(req, "*")
	require.NoError(t, err)
	require.Len(t, matches, 4, "every DB-level value combination is a candidate")

	got := make([]string, 0, len(matches))
	for _, m := range matches {
		got = append(got, m.Canonical())
	}
	want := []string{
		key.FromPairs("class", "od", "expver", "0001").Canonical(),
		key.FromPairs("class", "od", "expver", "0002").Canonical(),
		key.FromPairs("class", "rd", "expver", "0001").Canonical(),
		key.FromPairs("class", "rd", "expver", "0002").Canonical(),
	}
	assert.ElementsMatch(t, want, got)

	again, err := s.MatchFirstLevel(req, "*")
	require.NoError(t, err)
	first := make([]string, 0, len(again))
	for _, m := range again {
		first = append(first, m.Canonical())
	}
	assert.Equal(t, got, first, "enumeration order is deterministic")
}

func TestExpandCartesianProduct(t *testing.T) {
	s := New([]string{"class"}, []string{"type"}, []string{"step"})

	req := key.NewRequest()
	req.Insert("class", "od")
	req.Insert("type", "fc")
	req.Insert("step", "0")
	req.Insert("step", "6")

	it, err := s.Expand(req)
	require.NoError(t, err)

	var keys []*key.Key
	for {
		k, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, k)
	}
	require.Len(t, keys, 2)

	steps := map[string]bool{}
	for _, k := range keys {
		v, _ := k.Get("step")
		steps[v] = true
	}
	assert.True(t, steps["0"])
	assert.True(t, steps["6"])
}

func TestExpandUnknownKeywordFails(t *testing.T) {
	s := New([]string{"class"}, nil, nil)
	req := key.NewRequest() // class unspecified
	_, err := s.Expand(req)
	require.Error(t, err)
}

func TestMatchingRuleRequiresAllDBKeywords(t *testing.T) {
	s := New([]string{"class", "expver"}, nil, nil)
	k := key.FromPairs("class", "od")
	_, err := s.MatchingRule(k)
	require.Error(t, err)

	k2 := key.FromPairs("class", "od", "expver", "0001")
	rule, err := s.MatchingRule(k2)
	require.NoError(t, err)
	assert.Equal(t, []string{"class", "expver"}, rule.Keywords)
}
