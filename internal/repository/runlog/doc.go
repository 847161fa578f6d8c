// Package runlog implements the append-only run log.
//
// Each entry is one JSON line written through protojson from a structpb.Struct,
// so the file can be tailed, grepped and parsed line by line. The log is the
// only state the controller persists.
package runlog
