// Package cafsd is a content-addressable object store used as a shared
// build cache.
//
// Blobs are stored by the sha256 of their bytes. Large payloads can be
// uploaded as compressed chunks and addressed by the hash of the
// uncompressed payload (a content id). Ref records map a
// namespace/bucket/key name onto a root blob and every blob the root
// transitively references, so a cache hit is only reported when all of
// them are still stored. Records not accessed within a namespace's
// retention are evicted by a background sweep.
//
// Running a server:
//
//	d, _ := cafsd.Open(ctx, cafsd.WithBlobDir("/var/lib/cafsd"), cafsd.WithRedis("redis://localhost:6379"))
//	defer d.Close()
//	d.Run(ctx) // serves /api/v1 until ctx is cancelled
//
// With replication from another region:
//
//	d, _ := cafsd.Open(ctx, cafsd.WithRemote("registry.eu.example.com", nil))
//	missing, err := d.Pull(ctx, "ci", id1, id2)
//
// Open also accepts a loaded configuration file through WithConfig; see
// the cafsd command for the available keys.
package cafsd
