// Package pagination serves pages of records produced by a caller-supplied
// fetch function.
//
// Four strategies implement Provider: offset, cursor, virtual scroll and an
// adaptive selector that routes between the other three. CachedProvider adds
// a result cache with background prefetch of adjacent pages.
package pagination
