package server

import (
	"strings"
	"testing"
)

// FuzzIsSafeName tests the UDID validation function with various inputs
func FuzzIsSafeName(f *testing.F) {
	// Seed with various name patterns
	f.Add("valid-name_123")
	f.Add("")
	f.Add("..")
	f.Add("../etc/passwd")
	f.Add("name/with/slash")
	f.Add("name\\with\\backslash")
	f.Add("valid.name")
	f.Add("name_with-special.chars123")
	f.Add("...dotted")
	f.Add("unicode한글name") // Unicode
	f.Add("name\x00null")
	f.Add("name\nnewline")
	f.Add("name\ttab")

	f.Fuzz(func(t *testing.T, name string) {
		if len(name) > 200 {
			t.Skip("name too long")
		}

		// Test isSafeName - should not panic
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("isSafeName panicked with input %q: %v", name, r)
				}
			}()

			result := isSafeName(name)

			// Basic validation of result consistency
			if name == "" {
				if result {
					t.Error("empty name should not be safe")
				}
			}

			// Names containing ".." should not be safe
			if strings.Contains(name, "..") {
				if result {
					t.Errorf("name with .. should not be safe: %q", name)
				}
			}

			// Names with path separators should not be safe
			if strings.ContainsAny(name, "/\\") {
				if result {
					t.Errorf("name with path separators should not be safe: %q", name)
				}
			}

			// Test consistency - calling multiple times should give same result
			result2 := isSafeName(name)
			if result != result2 {
				t.Errorf("isSafeName inconsistent for %q: %v vs %v", name, result, result2)
			}
		}()
	})
}

// FuzzSanitizeBase checks the shape of every normalized base path
func FuzzSanitizeBase(f *testing.F) {
	// Seed with base path patterns
	f.Add("")
	f.Add("/")
	f.Add("/api")
	f.Add("/api/")
	f.Add("api")
	f.Add("  /api/v1/  ")
	f.Add("//multiple//slashes//")
	f.Add("/path/../traversal")
	f.Add("/path\x00null")

	f.Fuzz(func(t *testing.T, basePath string) {
		if len(basePath) > 200 {
			t.Skip("base path too long")
		}

		// Test sanitizeBase - should not panic
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("sanitizeBase panicked with input %q: %v", basePath, r)
				}
			}()

			result := sanitizeBase(basePath)

			// Validate result properties
			if result != "" {
				// Non-empty results should start with /
				if !strings.HasPrefix(result, "/") {
					t.Errorf("sanitized base should start with /: %q -> %q", basePath, result)
				}

				// Should not end with / (unless it's just "/")
				if result != "/" && strings.HasSuffix(result, "/") {
					t.Errorf("sanitized base should not end with /: %q -> %q", basePath, result)
				}
			}

			// Empty or "/" inputs should result in ""
			trimmed := strings.TrimSpace(basePath)
			if trimmed == "" || trimmed == "/" {
				if result != "" {
					t.Errorf("empty or root base should result in empty: %q -> %q", basePath, result)
				}
			}

			// Test consistency
			result2 := sanitizeBase(basePath)
			if result != result2 {
				t.Errorf("sanitizeBase inconsistent for %q: %q vs %q", basePath, result, result2)
			}
		}()
	})
}
