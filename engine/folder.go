package engine

import (
	"sort"
	"strings"
)

// Separator delimits folder path segments. Paths are case-sensitive and
// unescaped; no other normalization is performed.
const Separator = "/"

// FolderNode is one folder in the forest. Nodes are built fresh each
// aggregation cycle as a pure function of the current document set and are
// never mutated afterwards.
type FolderNode struct {
	// PathSegment is the per-level name: the path suffix after the parent
	// prefix. For roots it equals FullPath.
	PathSegment string `json:"path_segment"`
	// FullPath is the complete path, the node's stable identity.
	FullPath        string        `json:"full_path"`
	DirectDocuments []Document    `json:"direct_documents"`
	Children        []*FolderNode `json:"children"`
	DirectCount     int           `json:"direct_count"`
	// RecursiveCount is DirectCount plus the RecursiveCount of every child.
	RecursiveCount int `json:"recursive_count"`
}

// BuildForest converts a flat document set plus declared folder paths into
// a forest of folder roots.
//
// Documents without a folder path are excluded — the caller owns the
// synthetic "unfiled" bucket. Declared folders (created in the dashboard
// but possibly empty) merge with observed paths by exact full-path match,
// so a declared folder that later receives documents appears exactly once.
// Missing intermediate folders are synthesized: "A/B/C" guarantees nodes
// for "A" and "A/B" even when nothing is filed directly there.
func BuildForest(docs []Document, declared []string) []*FolderNode {
	byPath := make(map[string][]Document)
	paths := make(map[string]bool)

	for _, d := range docs {
		if d.FolderPath == nil || *d.FolderPath == "" {
			continue
		}
		p := *d.FolderPath
		byPath[p] = append(byPath[p], d)
		paths[p] = true
	}
	for _, p := range declared {
		if p != "" {
			paths[p] = true
		}
	}

	// Synthesize every strict-prefix ancestor so the forest has no gaps.
	for p := range copyKeys(paths) {
		for {
			i := strings.LastIndex(p, Separator)
			if i < 0 {
				break
			}
			p = p[:i]
			paths[p] = true
		}
	}

	// Index children by parent path.
	children := make(map[string][]string)
	var roots []string
	for p := range paths {
		i := strings.LastIndex(p, Separator)
		if i < 0 {
			roots = append(roots, p)
			continue
		}
		parent := p[:i]
		children[parent] = append(children[parent], p)
	}
	sort.Strings(roots)

	forest := make([]*FolderNode, 0, len(roots))
	for _, r := range roots {
		forest = append(forest, assemble(r, byPath, children))
	}
	return forest
}

// assemble builds the node for path bottom-up, returning a new immutable node.
func assemble(path string, byPath map[string][]Document, children map[string][]string) *FolderNode {
	kids := children[path]
	sort.Strings(kids)

	node := &FolderNode{
		PathSegment:     segmentOf(path),
		FullPath:        path,
		DirectDocuments: sortedNewestFirst(byPath[path]),
		Children:        make([]*FolderNode, 0, len(kids)),
	}
	node.DirectCount = len(node.DirectDocuments)
	node.RecursiveCount = node.DirectCount

	for _, c := range kids {
		child := assemble(c, byPath, children)
		node.Children = append(node.Children, child)
		node.RecursiveCount += child.RecursiveCount
	}
	return node
}

func segmentOf(path string) string {
	if i := strings.LastIndex(path, Separator); i >= 0 {
		return path[i+1:]
	}
	return path
}

func sortedNewestFirst(docs []Document) []Document {
	out := make([]Document, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// Unfiled returns the documents excluded from the forest (no folder path),
// newest first.
func Unfiled(docs []Document) []Document {
	var out []Document
	for _, d := range docs {
		if d.FolderPath == nil || *d.FolderPath == "" {
			out = append(out, d)
		}
	}
	if out == nil {
		return []Document{}
	}
	return sortedNewestFirst(out)
}

func copyKeys(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}
