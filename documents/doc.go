// Package documents provides reference merge engines: Documents which workers fill
// locally and collectors merge.
package documents
