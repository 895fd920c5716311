package pelican

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"testing"
)

func textFixture(n int) ([]string, map[string]string) {
	ids := make([]string, n)
	texts := make(map[string]string, n)
	for i := range n {
		ids[i] = fmt.Sprintf("id%03d", i)
		texts[ids[i]] = fmt.Sprintf("<item %03d %s>", i, strings.Repeat("ab", i%4))
	}
	return ids, texts
}

func TestTextTree_Build(t *testing.T) {
	ids, texts := textFixture(45)
	tree := BuildTextTree(10, ids, texts)

	deepEqual(t, tree.Len(), 45)
	deepEqual(t, len(tree.Root.Zero.IDs), 22)
	deepEqual(t, len(tree.Root.One.IDs), 23)
	if tree.Root.Zero.Child == nil || tree.Root.One.Child == nil {
		t.Fatalf("** top-level nodes over the branch size were not split")
	}
	checkTextNodes(t, tree.Branch, &tree.Root)

	small := BuildTextTree(10, ids[:7], texts)
	deepEqual(t, len(small.Root.Zero.IDs), 7)
	if small.Root.One != nil || small.Root.Zero.Child != nil {
		t.Errorf("** small tree should be a single leaf")
	}
}

// checkTextNodes verifies that every leaf holds at most branch ids and that
// every node's text is the concatenation of its members' texts.
func checkTextNodes(t *testing.T, branch int, b *TextBranches) {
	t.Helper()
	for _, node := range b.nodes() {
		var buf strings.Builder
		for _, id := range node.IDs {
			buf.WriteString(node.Base[id])
		}
		if node.Text != buf.String() {
			t.Errorf("** node text out of sync: %q vs %q", node.Text, buf.String())
		}
		if len(node.Base) != len(node.IDs) {
			t.Errorf("** node base has %d entries for %d ids", len(node.Base), len(node.IDs))
		}
		if node.Child == nil {
			if len(node.IDs) > branch {
				t.Errorf("** leaf with %d ids", len(node.IDs))
			}
		} else {
			checkTextNodes(t, branch, node.Child)
		}
	}
}

func TestTextTree_Search(t *testing.T) {
	ids, texts := textFixture(60)
	built := BuildTextTree(10, ids, texts)
	inserted := NewTextTree(10)
	for _, id := range ids {
		inserted.Insert(id, texts[id])
	}
	checkTextNodes(t, 10, &inserted.Root)
	deepEqual(t, inserted.Len(), 60)

	for _, tree := range []*TextTree{built, inserted} {
		for _, q := range []string{"item 017", "abababab", "04", "zzz", ""} {
			var expected []string
			for _, id := range ids {
				if strings.Contains(texts[id], q) {
					expected = append(expected, id)
				}
			}
			actual := confirm(tree.Search(q), texts, q)
			if !slices.Equal(actual, expected) {
				t.Errorf("** Search(%q) = %v, wanted %v", q, actual, expected)
			}
		}
	}
}

func confirm(candidates []string, texts map[string]string, q string) []string {
	var result []string
	for _, id := range candidates {
		if strings.Contains(texts[id], q) {
			result = append(result, id)
		}
	}
	slices.Sort(result)
	return slices.Compact(result)
}

func TestTextTree_Delete(t *testing.T) {
	ids, texts := textFixture(30)
	tree := BuildTextTree(10, ids, texts)

	tree.Delete("id017")
	deepEqual(t, tree.Contains("id017"), false)
	deepEqual(t, tree.Len(), 29)
	isempty(t, confirm(tree.Search("item 017"), texts, "item 017"))
	checkTextNodes(t, 10, &tree.Root)

	tree.Delete("nope")
	deepEqual(t, tree.Len(), 29)

	tree.Insert("id017", "<again>")
	deepEqual(t, tree.Search("again") != nil, true)
	deepEqual(t, tree.Len(), 30)
}

func TestTextTree_InsertReplaces(t *testing.T) {
	tree := NewTextTree(0)
	deepEqual(t, tree.Branch, DefaultBranchSize)
	tree.Insert("a", "hello")
	tree.Insert("b", "world")
	tree.Insert("a", "goodbye")
	deepEqual(t, tree.Len(), 2)
	isempty(t, tree.Search("hello"))
	deepEqual(t, tree.Search("goodbye"), []string{"a"})
}

func TestTextTree_JSONRoundTrip(t *testing.T) {
	ids, texts := textFixture(25)
	tree := BuildTextTree(10, ids, texts)

	data := must(json.Marshal(tree.Root))
	var root TextBranches
	ensure(json.Unmarshal(data, &root))
	decoded := &TextTree{Branch: 10, Root: root}
	deepEqual(t, decoded.Search("item 020"), tree.Search("item 020"))
	deepEqual(t, decoded.Len(), 25)
}
