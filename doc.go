// Package iostack provides layered file I/O for database storage.
//
// A file is accessed through a linear stack of layers. Each layer
// implements the same Layer interface and delegates to exactly one
// successor, translating offsets and sizes as data crosses it. The
// bottom of every stack is a raw layer over an absfs filesystem, and
// the layers above it add buffering, page formatting, authenticated
// encryption and block compression in whatever combination the open
// flags select.
//
// Layers are prototypes: Open clones the receiver for one file,
// opening successors first so a failure part-way down unwinds cleanly.
// Offsets exposed by a layer are logical for that layer, so callers
// never see the padding, headers or records added below them.
//
// The FS type ties stacks to integer handles and adds a stdio-style
// surface with sticky errors, sequential positions, temporary files
// and directory copies.
package iostack
