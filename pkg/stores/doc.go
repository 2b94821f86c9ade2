// Package stores provides the two persistence layers of a unit.
//
// The cluster layer is a named-map key/value store shared by every unit of
// the cluster. Values are sealed with XChaCha20-Poly1305 under a key derived
// from the cluster secret, wrapped in a CBOR envelope that records the
// writing unit and the write time; the last committed write wins. The SQLite
// implementation runs its schema through embedded golang-migrate migrations;
// the memory implementation serves single-unit and test setups.
//
// The local layer is one small file per key under a path template. It
// survives restarts of the process and nothing else.
//
// Both layers return *fault.Error values: FRAMEWORK/ERROR for the cluster
// layer, FRAMEWORK/FATAL for the file system.
package stores
