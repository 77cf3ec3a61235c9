// Package catalog maintains the registry of invokable tools.
//
// # Manifests
//
// Tools are declared in TOML manifest files, one pack per file:
//
//	[pack]
//	id = "web"
//	version = "1.0.0"
//
//	[[tools]]
//	name = "http_get"
//	category = "read"
//	side_effect = false
//	cost = 0.01
//	duration = "800ms"
//
//	[[tools.inputs]]
//	name = "url"
//	type = "string"
//
//	[[tools.outputs]]
//	name = "body"
//	type = "string"
//
// # Registry
//
// The Registry indexes tool names to their manifest files at load time
// and parses descriptors on demand. A bounded schema cache (capacity +
// TTL, injected by the owner) sits in front of manifest re-reads; builtin
// descriptors are registered programmatically and never touch the cache.
//
// Tool names are globally unique. Collisions across manifests or with
// builtins fail the load.
package catalog
