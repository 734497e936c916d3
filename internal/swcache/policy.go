package swcache

import (
	"net/http"
	"strings"
)

const (
	DefaultStaticCache  = "pwa-clientes-static-v3"
	DefaultDynamicCache = "pwa-clientes-dynamic-v3"
)

var DefaultPrecache = []string{
	"/",
	"/login",
	"/static/css/styles.css",
	"/static/js/app.js",
	"/static/js/clientes.js",
	"/static/img/logo.png",
	"/static/img/icons/icon-192.png",
	"/static/img/icons/icon-512.png",
	"/manifest.json",
}

type Class int

const (
	ClassStatic Class = iota
	ClassData
	ClassProtected
)

func (c Class) String() string {
	switch c {
	case ClassData:
		return "data"
	case ClassProtected:
		return "protected"
	}
	return "static"
}

// Policy classifies request paths.
type Policy struct {
	APIPrefix         string
	ProtectedPrefixes []string
	LoginPath         string
	RootPath          string
}

func DefaultPolicy() Policy {
	return Policy{
		APIPrefix:         "/api/",
		ProtectedPrefixes: []string{"/dashboard", "/clientes"},
		LoginPath:         "/login",
		RootPath:          "/",
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if strings.TrimSpace(p.APIPrefix) == "" {
		p.APIPrefix = d.APIPrefix
	}
	if p.ProtectedPrefixes == nil {
		p.ProtectedPrefixes = d.ProtectedPrefixes
	}
	if strings.TrimSpace(p.LoginPath) == "" {
		p.LoginPath = d.LoginPath
	}
	if strings.TrimSpace(p.RootPath) == "" {
		p.RootPath = d.RootPath
	}
	return p
}

// Classify checks the data prefix first, then the protected prefixes.
func (p Policy) Classify(path string) Class {
	if strings.HasPrefix(path, p.APIPrefix) {
		return ClassData
	}
	for _, prefix := range p.ProtectedPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return ClassProtected
		}
	}
	return ClassStatic
}

// IsNavigation reports whether req is a top-level page load.
func IsNavigation(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.EqualFold(req.Header.Get("Sec-Fetch-Dest"), "document")
}
