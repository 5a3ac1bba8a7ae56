package chunk

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func headerPathOf(c *Chunk) string {
	if c.Metadata.Doc != nil {
		return c.Metadata.Doc.DocSectionPath
	}
	return ""
}

func headerLevelOf(c *Chunk) string {
	if c.Metadata.Extra != nil {
		return c.Metadata.Extra["header_level"]
	}
	return ""
}

func sectionTitleOf(c *Chunk) string {
	if c.Metadata.Doc != nil {
		return c.Metadata.Doc.TopicKey
	}
	return ""
}

// TS01: Header-Based Splitting
func TestMarkdownChunker_Chunk_HeaderBasedSplitting(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `# Title

Welcome to the project.

## Section 1

Content for section 1.

## Section 2

Content for section 2.
`

	file := &FileInput{
		Path:     "README.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.Len(t, chunks, 3, "Expected 3 chunks for 3 sections")

	assert.Contains(t, chunks[0].Text, "# Title")
	assert.Contains(t, chunks[0].Text, "Welcome to the project")

	assert.Contains(t, chunks[1].Text, "## Section 1")
	assert.Contains(t, chunks[1].Text, "Content for section 1")

	assert.Contains(t, chunks[2].Text, "## Section 2")
	assert.Contains(t, chunks[2].Text, "Content for section 2")

	for _, c := range chunks {
		assert.Equal(t, KindDocs, c.Metadata.Kind)
		assert.Equal(t, "markdown", c.Metadata.Language)
		assert.Equal(t, "README.md", c.Path)
	}
}

// TS02: Preserve Code Blocks
func TestMarkdownChunker_Chunk_PreserveCodeBlocks(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := "# Installation\n\nInstall using:\n\n```bash\nbrew install myapp\napt-get install myapp\nyum install myapp\n```\n\nThen run:\n\n```bash\nmyapp --version\n```\n"

	file := &FileInput{
		Path:     "INSTALL.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 1)

	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "brew install") &&
			strings.Contains(c.Text, "apt-get install") &&
			strings.Contains(c.Text, "yum install") {
			found = true
			break
		}
	}
	assert.True(t, found, "Code block should be intact in one chunk")
}

// TS03: Header Path Tracking
func TestMarkdownChunker_Chunk_HeaderPathTracking(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `# Top

Intro.

## Middle

Middle content.

### Deep

Deep content.
`

	file := &FileInput{
		Path:     "docs.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, "Top", headerPathOf(chunks[0]))
	assert.Equal(t, "Top > Middle", headerPathOf(chunks[1]))
	assert.Equal(t, "Top > Middle > Deep", headerPathOf(chunks[2]))

	assert.Equal(t, "1", headerLevelOf(chunks[0]))
	assert.Equal(t, "2", headerLevelOf(chunks[1]))
	assert.Equal(t, "3", headerLevelOf(chunks[2]))

	assert.Equal(t, "Top", sectionTitleOf(chunks[0]))
	assert.Equal(t, "Middle", sectionTitleOf(chunks[1]))
	assert.Equal(t, "Deep", sectionTitleOf(chunks[2]))
}

// TS04: Frontmatter Extraction
func TestMarkdownChunker_Chunk_FrontmatterExtraction(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `---
title: My Document
author: John Doe
date: 2025-01-01
---

# Introduction

Welcome to the document.
`

	file := &FileInput{
		Path:     "doc.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)

	assert.Contains(t, chunks[0].Text, "title: My Document")
	assert.Contains(t, chunks[0].Text, "author: John Doe")
	assert.Equal(t, "frontmatter", chunks[0].Metadata.Extra["type"])

	assert.Contains(t, chunks[1].Text, "# Introduction")
}

// TS05: Large Section Split
func TestMarkdownChunker_Chunk_LargeSectionSplit(t *testing.T) {
	chunker := NewMarkdownChunkerWithOptions(MarkdownChunkerOptions{
		MaxChunkTokens: 100, // Very small to force splitting
		OverlapTokens:  10,
	})

	var sb strings.Builder
	sb.WriteString("# Large Section\n\n")
	for i := 0; i < 50; i++ {
		sb.WriteString("This is paragraph number ")
		sb.WriteString(strings.Repeat("word ", 20))
		sb.WriteString(".\n\n")
	}

	file := &FileInput{
		Path:     "large.md",
		Content:  []byte(sb.String()),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1, "Large section should be split into multiple chunks")

	for i, c := range chunks {
		if i > 0 {
			assert.Contains(t, headerPathOf(c), "Large Section", "Chunk %d should have header context", i)
		}
	}
}

// TS06: Empty Section Handling
func TestMarkdownChunker_Chunk_EmptySectionHandling(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `# Header 1

Some intro content.

## Empty Section

## Section With Content

Some content here.
`

	file := &FileInput{
		Path:     "empty.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(chunks), 2)

	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "Some content here") {
			found = true
			break
		}
	}
	assert.True(t, found, "Section with content should be present")

	introFound := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "Some intro content") {
			introFound = true
			break
		}
	}
	assert.True(t, introFound, "Header 1 should include its intro content")
}

// TS07: No Headers Document
func TestMarkdownChunker_Chunk_NoHeadersDocument(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `First paragraph with some content.

Second paragraph with more content.

Third paragraph concluding the document.
`

	file := &FileInput{
		Path:     "plain.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 1)

	assert.Contains(t, chunks[0].Text, "First paragraph")
}

// Additional test: Nested headers reset properly
func TestMarkdownChunker_Chunk_NestedHeaderReset(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `# Top Level

## Subsection A

### Deep in A

## Subsection B

This should be under Top Level > Subsection B, not Top Level > Subsection A > Subsection B.
`

	file := &FileInput{
		Path:     "nested.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)

	var subsectionB *Chunk
	for _, c := range chunks {
		if strings.Contains(c.Text, "Subsection B") && !strings.Contains(c.Text, "Deep in A") {
			subsectionB = c
			break
		}
	}

	require.NotNil(t, subsectionB, "Subsection B chunk should exist")
	assert.Equal(t, "Top Level > Subsection B", headerPathOf(subsectionB))
}

// Test: Preserve tables as units
func TestMarkdownChunker_Chunk_PreserveTables(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `# Data

| Column A | Column B | Column C |
|----------|----------|----------|
| Value 1  | Value 2  | Value 3  |
| Value 4  | Value 5  | Value 6  |
| Value 7  | Value 8  | Value 9  |

After the table.
`

	file := &FileInput{
		Path:     "table.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)

	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "Column A") &&
			strings.Contains(c.Text, "Value 1") &&
			strings.Contains(c.Text, "Value 9") {
			found = true
			break
		}
	}
	assert.True(t, found, "Table should be intact in one chunk")
}

// Test: Preserve lists as units
func TestMarkdownChunker_Chunk_PreserveLists(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `# Steps

Follow these steps:

1. First step
2. Second step
3. Third step
4. Fourth step

After the list.
`

	file := &FileInput{
		Path:     "list.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)

	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "1. First") &&
			strings.Contains(c.Text, "4. Fourth") {
			found = true
			break
		}
	}
	assert.True(t, found, "List should be intact in one chunk")
}

// Test: MDX component handling
func TestMarkdownChunker_Chunk_MDXComponentHandling(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `# Getting Started

import { Button } from '@/components'

<Button onClick={() => alert('Hello')}>
  Click me!
</Button>

## Usage

<CodeExample language="tsx" title="example.tsx">
  const foo = 'bar';
</CodeExample>
`

	file := &FileInput{
		Path:     "docs.mdx",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 1)

	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "<Button") &&
			strings.Contains(c.Text, "Click me!") &&
			strings.Contains(c.Text, "</Button>") {
			found = true
			break
		}
	}
	assert.True(t, found, "MDX component should be preserved intact")
}

// Test: Code block with metadata preserved
func TestMarkdownChunker_Chunk_CodeBlockMetadata(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := "# Code Example\n\n```tsx {1-3} title=\"example.tsx\" showLineNumbers\nconst hello = 'world';\nconst foo = 'bar';\nconst baz = 'qux';\n```\n"

	file := &FileInput{
		Path:     "code.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 1)

	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "```tsx {1-3}") &&
			strings.Contains(c.Text, "title=\"example.tsx\"") &&
			strings.Contains(c.Text, "showLineNumbers") {
			found = true
			break
		}
	}
	assert.True(t, found, "Code block metadata should be preserved")
}

// Test: Deeply nested headers
func TestMarkdownChunker_Chunk_DeeplyNestedHeaders(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `# Level 1

## Level 2

### Level 3

#### Level 4

##### Level 5

###### Level 6

Content at level 6.
`

	file := &FileInput{
		Path:     "deep.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 1)

	var deepest *Chunk
	for _, c := range chunks {
		if strings.Contains(c.Text, "Content at level 6") {
			deepest = c
			break
		}
	}

	require.NotNil(t, deepest)
	assert.Equal(t, "Level 1 > Level 2 > Level 3 > Level 4 > Level 5 > Level 6", headerPathOf(deepest))
	assert.Equal(t, "6", headerLevelOf(deepest))
}

// Test: Empty file handling
func TestMarkdownChunker_Chunk_EmptyFile(t *testing.T) {
	chunker := NewMarkdownChunker()

	file := &FileInput{
		Path:     "empty.md",
		Content:  []byte(""),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

// Test: Whitespace only file
func TestMarkdownChunker_Chunk_WhitespaceOnlyFile(t *testing.T) {
	chunker := NewMarkdownChunker()

	file := &FileInput{
		Path:     "whitespace.md",
		Content:  []byte("   \n\n\t\t\n   "),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

// Test: Section context in continuation chunks
func TestMarkdownChunker_Chunk_SectionContextInContinuation(t *testing.T) {
	chunker := NewMarkdownChunkerWithOptions(MarkdownChunkerOptions{
		MaxChunkTokens: 50, // Very small to force splitting
		OverlapTokens:  5,
	})

	content := `# Section Title

` + strings.Repeat("This is a long paragraph with many words to fill up space. ", 30) + "\n"

	file := &FileInput{
		Path:     "context.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)

	if len(chunks) > 1 {
		for i, c := range chunks {
			assert.Contains(t, headerPathOf(c), "Section Title", "Chunk %d should have header context", i)
		}
	}
}

// Test: SupportedExtensions
func TestMarkdownChunker_SupportedExtensions(t *testing.T) {
	chunker := NewMarkdownChunker()
	exts := chunker.SupportedExtensions()

	assert.Contains(t, exts, ".md")
	assert.Contains(t, exts, ".markdown")
	assert.Contains(t, exts, ".mdx")
}

// Test: Chunk IDs are unique
func TestMarkdownChunker_Chunk_UniqueIDs(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `# Section 1

Content 1.

# Section 2

Content 2.

# Section 3

Content 3.
`

	file := &FileInput{
		Path:     "unique.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, c := range chunks {
		assert.NotEmpty(t, c.ID)
		assert.False(t, ids[c.ID], "Duplicate chunk ID: %s", c.ID)
		ids[c.ID] = true
	}
}

// Test: Line numbers are correct
func TestMarkdownChunker_Chunk_CorrectLineNumbers(t *testing.T) {
	chunker := NewMarkdownChunker()

	content := `# First

Line 3.

# Second

Line 7.
`

	file := &FileInput{
		Path:     "lines.md",
		Content:  []byte(content),
		Language: "markdown",
	}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, 1, chunks[0].Span.StartLine)
	assert.Equal(t, 5, chunks[1].Span.StartLine)
}

// Benchmark: Chunk 10 sections
func BenchmarkMarkdownChunker_Chunk_10Sections(b *testing.B) {
	chunker := NewMarkdownChunker()

	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString("# Section ")
		sb.WriteString(string(rune('A' + i)))
		sb.WriteString("\n\n")
		sb.WriteString(strings.Repeat("Content paragraph with some text. ", 10))
		sb.WriteString("\n\n")
	}

	file := &FileInput{
		Path:     "bench.md",
		Content:  []byte(sb.String()),
		Language: "markdown",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = chunker.Chunk(context.Background(), file)
	}
}

// Benchmark: Chunk 100 sections
func BenchmarkMarkdownChunker_Chunk_100Sections(b *testing.B) {
	chunker := NewMarkdownChunker()

	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString("# Section ")
		sb.WriteString(strings.Repeat("X", 3))
		sb.WriteString("\n\n")
		sb.WriteString(strings.Repeat("Content paragraph with some text. ", 5))
		sb.WriteString("\n\n")
	}

	file := &FileInput{
		Path:     "bench_large.md",
		Content:  []byte(sb.String()),
		Language: "markdown",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = chunker.Chunk(context.Background(), file)
	}
}

// Test: Close method exists and is idempotent
func TestMarkdownChunker_Close(t *testing.T) {
	chunker := NewMarkdownChunker()

	chunker.Close()
	chunker.Close()
}
