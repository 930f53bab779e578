package delivery

import "strings"

// extensions stripped before path comparison; destinations report paths
// without the archive or format suffix the producer uploaded
var extensions = []string{".zip", ".gz", ".csv"}

// NormalizePath lower-cases, converts separators to '/', and strips known
// extensions repeatedly ("a.csv.gz" -> "a").
func NormalizePath(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	p = strings.ReplaceAll(p, `\`, "/")
	for {
		stripped := false
		for _, ext := range extensions {
			if strings.HasSuffix(p, ext) {
				p = strings.TrimSuffix(p, ext)
				stripped = true
			}
		}
		if !stripped {
			return p
		}
	}
}

// PathMatches compares two paths by normalized suffix in either direction.
// Empty paths never match. An unrelated path that happens to be a textual
// suffix of the other ("b/x" vs "ab/x") also matches.
func PathMatches(a, b string) bool {
	na, nb := NormalizePath(a), NormalizePath(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.HasSuffix(na, nb) || strings.HasSuffix(nb, na)
}

// RelativePath joins a producer directory-relative path onto the
// destination folder layout using '/' separators
func RelativePath(folder, rel string) string {
	rel = strings.TrimPrefix(strings.ReplaceAll(rel, `\`, "/"), "/")
	folder = strings.Trim(strings.ReplaceAll(folder, `\`, "/"), "/")
	if folder == "" {
		return rel
	}
	return folder + "/" + rel
}
