package cache

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGetOrCompile_CompilesOncePerKey(t *testing.T) {
	var calls atomic.Int32
	c := New("upper", func(p string) (string, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond) // widen the miss window
		return strings.ToUpper(p), nil
	})

	var wg sync.WaitGroup
	results := make([]string, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompile("abc")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), c.Compiles())
	for _, r := range results {
		assert.Equal(t, "ABC", r)
	}
	assert.Equal(t, 1, c.Size())
}

func TestGetOrCompile_DistinctKeys(t *testing.T) {
	c := NewRegexCache()
	a, err := c.GetOrCompile(`\.zip$`)
	require.NoError(t, err)
	b, err := c.GetOrCompile(`\.pdf$`)
	require.NoError(t, err)

	assert.True(t, a.MatchString("x.zip"))
	assert.False(t, b.MatchString("x.zip"))
	assert.Equal(t, 2, c.Size())

	again, err := c.GetOrCompile(`\.zip$`)
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestGetOrCompile_FailureIsConfigError(t *testing.T) {
	c := NewRegexCache()
	_, err := c.GetOrCompile(`(unclosed`)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
	assert.Equal(t, 0, c.Size(), "failures are not cached")
}

func TestPrecompile(t *testing.T) {
	c := NewSelectorCache()
	require.NoError(t, c.Precompile(`a[href$=".zip"], a[href$=".pdf"]`, "", "div.cursor-pointer span"))
	assert.Equal(t, 2, c.Size())

	err := c.Precompile("div[")
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

func TestSelectorCache_WorksWithGoquery(t *testing.T) {
	c := NewSelectorCache()
	sel, err := c.GetOrCompile(`a[href$=".zip"], a[href$=".7z"]`)
	require.NoError(t, err)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<a href="a.zip">a</a><a href="b.html">b</a><a href="c.7z">c</a>`))
	require.NoError(t, err)

	var hrefs []string
	doc.FindMatcher(sel).Each(func(_ int, s *goquery.Selection) {
		hrefs = append(hrefs, s.AttrOr("href", ""))
	})
	assert.Equal(t, []string{"a.zip", "c.7z"}, hrefs)
}

func TestGetOrCompile_ErrorShared(t *testing.T) {
	boom := errors.New("boom")
	c := New("thing", func(string) (int, error) { return 0, boom })
	_, err := c.GetOrCompile("x")
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, int64(0), c.Compiles())
}
