// Package endpointmap is the declarative table binding external Azure path
// suffixes to upstream paths and the body shaper each one requires (spec
// §4.9). It has no dependencies on the rest of the proxy so that the route
// demultiplexer, the classifier, and the transformer can all depend on it
// without creating import cycles.
package endpointmap

// Suffix identifies which of the four POST endpoint families a request
// path belongs to, independent of the {deployment} segment.
type Suffix int

const (
	// SuffixUnknown marks a path that matched none of the known suffixes.
	SuffixUnknown Suffix = iota
	SuffixChatCompletions
	SuffixCompletions
	SuffixImagesGenerations
	SuffixEmbeddings
)

// Entry describes one row of the endpoint map.
type Entry struct {
	Suffix       Suffix
	PathSuffix   string
	UpstreamPath string
}

// Table is the ordered endpoint map from spec §4.9. NewRouter registers one
// fasthttp/router POST route per entry, so the router's own route tree does
// the path matching; this table only needs to list the rows, not resolve a
// path against them.
var Table = []Entry{
	{Suffix: SuffixChatCompletions, PathSuffix: "/chat/completions", UpstreamPath: "/chatgpt/v1/completions"},
	{Suffix: SuffixImagesGenerations, PathSuffix: "/images/generations", UpstreamPath: "/ai/v1/images/generations"},
	{Suffix: SuffixEmbeddings, PathSuffix: "/embeddings", UpstreamPath: "/ai/v1/embeddings"},
	{Suffix: SuffixCompletions, PathSuffix: "/completions", UpstreamPath: "/chatgpt/v1/completions"},
}

// SupportedEndpoints lists the external path templates for the 404 hint
// (spec §4.1): chat completions, legacy completions, image generations,
// embeddings, then /health. This order is independent of Table's row order.
var SupportedEndpoints = []string{
	"/proxyapi/azurecom/openai/deployments/{deployment}/chat/completions",
	"/proxyapi/azurecom/openai/deployments/{deployment}/completions",
	"/proxyapi/azurecom/openai/deployments/{deployment}/images/generations",
	"/proxyapi/azurecom/openai/deployments/{deployment}/embeddings",
	"/health",
}
