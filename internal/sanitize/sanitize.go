// Package sanitize validates and sanitizes untrusted input against
// shell-injection, SQL-injection, and path-traversal patterns.
// Portal's security middleware screens every message with
// SanitizeCommand; the SQL, path, URL, and filename checks are helpers
// it does not call.
package sanitize

import (
	"html"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

type patternDesc struct {
	re   *regexp.Regexp
	desc string
}

func compile(pattern string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + pattern)
}

var dangerousPatterns = []patternDesc{
	{compile(`\brm\s+(-rf|-fr)\s+/`), "Recursive delete from root"},
	{compile(`\brm\s+(-rf|-fr)\s+\*`), "Recursive delete all"},
	{compile(`\bdd\s+.*of=/dev/`), "Direct disk write"},
	{compile(`:\(\)\{.*:\|:&\};:`), "Fork bomb"},
	{compile(`\bmkfs\.`), "Filesystem format"},
	{compile(`\bshred\b`), "Secure file deletion"},
	{compile(`\bsudo\s+rm\s+-rf\s+/`), "Sudo destructive delete"},
	{compile(`\bsudo\s+chmod\s+777\s+/`), "Sudo permission change"},
	{compile(`\bcurl.*\|\s*(bash|sh)`), "Curl to shell execution"},
	{compile(`\bwget.*\|\s*(bash|sh)`), "Wget to shell execution"},
	{compile(`\bnc\s+-[el]`), "Netcat backdoor"},
	{compile(`>\s*/dev/tcp/`), "Network redirect"},
	{compile(`\bscp\s+.*@`), "Remote copy"},
	{compile(`>\s*/etc/`), "System config modification"},
	{compile(`>\s*/boot/`), "Boot config modification"},
}

var sqlInjectionPatterns = []*regexp.Regexp{
	compile(`';\s*DROP\s+TABLE`),
	compile(`'\s*OR\s+'1'\s*=\s*'1`),
	compile(`--\s*$`),
	compile(`/\*.*\*/`),
	compile(`xp_cmdshell`),
}

var pathTraversalPatterns = []*regexp.Regexp{
	compile(`\.\./+`),
	compile(`\.\.\\+`),
	compile(`%2e%2e/`),
	compile(`%2e%2e\\`),
}

var sensitiveDirs = []string{"/etc", "/boot", "/sys", "/proc", "/dev"}

var urlPattern = regexp.MustCompile(`(?i)^https?://` +
	`(?:(?:[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?\.)+[A-Z]{2,6}\.?|` +
	`localhost|` +
	`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` +
	`(?::\d+)?` +
	`(?:/?|[/?]\S+)$`)

var suspiciousDomains = []string{"bit.ly", "tinyurl.com"}

var filenameCharPattern = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeCommand scans command for dangerous shell patterns and
// returns the trimmed command alongside a human-readable warning per
// match. It never blocks legitimate input on its own; callers decide
// whether any warning is fatal.
func SanitizeCommand(command string) (sanitized string, warnings []string) {
	for _, p := range dangerousPatterns {
		if p.re.MatchString(command) {
			warnings = append(warnings, "Dangerous pattern detected: "+p.desc)
		}
	}
	return strings.TrimSpace(command), warnings
}

// ValidateFilePath rejects paths containing traversal sequences or
// resolving into a sensitive system directory.
func ValidateFilePath(path string) (valid bool, reason string) {
	decoded, err := url.QueryUnescape(path)
	if err != nil {
		decoded = path
	}

	for _, re := range pathTraversalPatterns {
		if re.MatchString(decoded) {
			return false, "Path traversal detected"
		}
	}

	resolved, err := filepath.Abs(decoded)
	if err != nil {
		resolved = decoded
	}
	for _, dir := range sensitiveDirs {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return false, "Access to " + dir + " is restricted"
		}
	}

	return true, ""
}

// SanitizeSQLQuery reports whether query contains a recognizable SQL
// injection pattern.
func SanitizeSQLQuery(query string) (safe bool, reason string) {
	for _, re := range sqlInjectionPatterns {
		if re.MatchString(query) {
			return false, "Potential SQL injection detected"
		}
	}
	return true, ""
}

// SanitizeHTML escapes HTML special characters to prevent XSS.
func SanitizeHTML(text string) string {
	return html.EscapeString(text)
}

// ValidateURL checks URL shape and flags known shortener domains.
func ValidateURL(rawURL string) (valid bool, reason string) {
	if !urlPattern.MatchString(rawURL) {
		return false, "Invalid URL format"
	}
	lower := strings.ToLower(rawURL)
	for _, domain := range suspiciousDomains {
		if strings.Contains(lower, domain) {
			return false, "Suspicious URL shortener detected: " + domain
		}
	}
	return true, ""
}

// SanitizeFilename strips path separators, parent-directory
// references, and non-portable characters, then caps length at 255.
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "/", "_")
	filename = strings.ReplaceAll(filename, "\\", "_")
	filename = strings.ReplaceAll(filename, "..", "")
	filename = filenameCharPattern.ReplaceAllString(filename, "_")

	if len(filename) > 255 {
		ext := ""
		name := filename
		if idx := strings.LastIndex(filename, "."); idx >= 0 {
			name, ext = filename[:idx], filename[idx+1:]
		}
		if ext != "" && len(ext) < 250 {
			if len(name) > 254-len(ext) {
				name = name[:254-len(ext)]
			}
			filename = name + "." + ext
		} else {
			filename = filename[:255]
		}
	}
	return filename
}

// QuoteShellArg safely single-quotes arg for inclusion in a shell
// command line, the way Python's shlex.quote does: the standard
// library has no equivalent, so this mirrors its exact escaping rule
// (wrap in single quotes, escape embedded single quotes as '\'').
func QuoteShellArg(arg string) string {
	if arg == "" {
		return "''"
	}
	if safeShellArgPattern.MatchString(arg) {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

var safeShellArgPattern = regexp.MustCompile(`^[a-zA-Z0-9_@%+=:,./-]+$`)

func QuoteShellArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = QuoteShellArg(a)
	}
	return out
}
