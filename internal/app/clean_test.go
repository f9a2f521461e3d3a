package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanText(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in   string
		want string
	}{
		"plain":        {in: "hello", want: "hello"},
		"newlines":     {in: "a\nb\r\nc", want: "a b c"},
		"http link":    {in: "look http://x.org/y?z=1 here", want: "look here"},
		"https link":   {in: "https://boards.4chan.org/g/ wow", want: "wow"},
		"www link":     {in: "visit www.example.com today", want: "visit today"},
		"only link":    {in: "https://a.b/c", want: ""},
		"link at wrap": {in: "go\nhttps://a.b\nnow", want: "go now"},
		"whitespace":   {in: "  a \t  b  ", want: "a b"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, CleanText(tc.in))
		})
	}
}
