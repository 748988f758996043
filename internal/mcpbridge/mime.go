package mcpbridge

import "strings"

// mimeByExt is the fixed send_file MIME map (spec.md §6), keyed by
// lowercased extension including the leading dot.
var mimeByExt = map[string]string{
	".jpg":      "image/jpeg",
	".jpeg":     "image/jpeg",
	".png":      "image/png",
	".gif":      "image/gif",
	".webp":     "image/webp",
	".svg":      "image/svg+xml",
	".bmp":      "image/bmp",
	".ico":      "image/x-icon",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".txt":      "text/plain",
	".log":      "text/plain",
	".csv":      "text/csv",
	".json":     "application/json",
	".xml":      "text/xml",
	".yaml":     "text/yaml",
	".yml":      "text/yaml",
	".html":     "text/html",
	".css":      "text/css",
	".js":       "text/javascript",
	".ts":       "text/typescript",
	".dart":     "text/x-dart",
	".py":       "text/x-python",
	".java":     "text/x-java",
	".c":        "text/x-c",
	".h":        "text/x-c",
	".cpp":      "text/x-c++",
	".go":       "text/x-go",
	".rs":       "text/x-rust",
	".sh":       "text/x-shellscript",
	".bat":      "text/x-batch",
	".ps1":      "text/x-powershell",
}

// mimeFor resolves a file extension to its MIME type, case-insensitively,
// defaulting to application/octet-stream per spec.md §6.
func mimeFor(ext string) string {
	if mt, ok := mimeByExt[strings.ToLower(ext)]; ok {
		return mt
	}
	return "application/octet-stream"
}
