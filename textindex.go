package pelican

import (
	"slices"
	"strings"
)

// DefaultBranchSize is the number of entries a text tree node holds before
// it splits.
const DefaultBranchSize = 10

// TextBranches is a level of the text tree: up to two nodes, "0" and "1".
type TextBranches struct {
	Zero *TextNode `json:"0,omitempty"`
	One  *TextNode `json:"1,omitempty"`
}

// TextNode holds a group of (id, text) pairs and the concatenation of their
// texts. IDs keeps insertion order, which decides how a node splits.
type TextNode struct {
	Name  string            `json:"_id"`
	Base  map[string]string `json:"base"`
	IDs   []string          `json:"ids"`
	Text  string            `json:"text"`
	Child *TextBranches     `json:"child,omitempty"`
}

// TextTree is a binary-branching substring index. Search prunes every node
// whose concatenated text does not contain the query, so its results are
// candidates that callers confirm against the actual field values.
type TextTree struct {
	Branch int
	Root   TextBranches
}

func NewTextTree(branch int) *TextTree {
	if branch <= 0 {
		branch = DefaultBranchSize
	}
	return &TextTree{Branch: branch}
}

// BuildTextTree builds a tree over the given pairs in one go. ids gives the
// order of entries; texts maps each id to its text.
func BuildTextTree(branch int, ids []string, texts map[string]string) *TextTree {
	t := NewTextTree(branch)
	t.Root = t.split(ids, texts)
	return t
}

func (t *TextTree) split(ids []string, texts map[string]string) TextBranches {
	var result TextBranches
	if len(ids) > t.Branch {
		n := len(ids) / 2
		result.Zero = newTextNode("0", ids[:n], texts)
		result.One = newTextNode("1", ids[n:], texts)
	} else {
		result.Zero = newTextNode("0", ids, texts)
	}
	if len(result.Zero.IDs) > t.Branch {
		for _, node := range result.nodes() {
			child := t.split(node.IDs, node.Base)
			node.Child = &child
		}
	}
	return result
}

func newTextNode(name string, ids []string, texts map[string]string) *TextNode {
	node := &TextNode{
		Name: name,
		Base: make(map[string]string, len(ids)),
		IDs:  slices.Clone(ids),
	}
	for _, id := range ids {
		node.Base[id] = texts[id]
	}
	node.rebuildText()
	return node
}

func (n *TextNode) rebuildText() {
	var buf strings.Builder
	for _, id := range n.IDs {
		buf.WriteString(n.Base[id])
	}
	n.Text = buf.String()
}

func (b *TextBranches) nodes() []*TextNode {
	var result []*TextNode
	if b.Zero != nil {
		result = append(result, b.Zero)
	}
	if b.One != nil {
		result = append(result, b.One)
	}
	return result
}

// Len returns the number of ids in the top level of the tree.
func (t *TextTree) Len() int {
	var n int
	for _, node := range t.Root.nodes() {
		n += len(node.IDs)
	}
	return n
}

// Insert adds one (id, text) pair, descending into the lighter of the two
// branches at every level. An id already in the tree is replaced.
func (t *TextTree) Insert(id, text string) {
	if t.Contains(id) {
		t.Delete(id)
	}
	t.insert(&t.Root, id, text)
}

// Contains reports whether id is in the tree.
func (t *TextTree) Contains(id string) bool {
	for _, node := range t.Root.nodes() {
		if _, found := node.Base[id]; found {
			return true
		}
	}
	return false
}

func (t *TextTree) insert(b *TextBranches, id, text string) {
	if b.Zero == nil {
		b.Zero = &TextNode{Name: "0", Base: map[string]string{id: text}, IDs: []string{id}, Text: text}
		return
	}
	if b.One == nil {
		b.One = &TextNode{Name: "1", Base: map[string]string{id: text}, IDs: []string{id}, Text: text}
		return
	}

	node := b.One
	if len(b.Zero.IDs) < len(b.One.IDs) {
		node = b.Zero
	}
	node.IDs = append(node.IDs, id)
	node.Text += text
	node.Base[id] = text

	if node.Child != nil {
		t.insert(node.Child, id, text)
	} else if len(node.IDs) > t.Branch {
		child := t.split(node.IDs, node.Base)
		node.Child = &child
	}
}

// Delete removes id from every node that holds it.
func (t *TextTree) Delete(id string) {
	t.delete(&t.Root, id)
}

func (t *TextTree) delete(b *TextBranches, id string) {
	for _, node := range b.nodes() {
		i := slices.Index(node.IDs, id)
		if i < 0 {
			continue
		}
		node.IDs = slices.Delete(node.IDs, i, i+1)
		delete(node.Base, id)
		node.rebuildText()
		if node.Child != nil {
			t.delete(node.Child, id)
		}
	}
}

// Search returns candidate ids whose node texts contain s.
func (t *TextTree) Search(s string) []string {
	return t.search(&t.Root, s, nil)
}

func (t *TextTree) search(b *TextBranches, s string, result []string) []string {
	for _, node := range b.nodes() {
		if !strings.Contains(node.Text, s) {
			continue
		}
		if node.Child != nil {
			result = t.search(node.Child, s, result)
		} else {
			result = append(result, node.IDs...)
		}
	}
	return result
}
