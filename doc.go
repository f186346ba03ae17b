// Package collect contains the core components of sif collect, a framework for merging
// streamed, partial snapshots produced by many concurrent workers into a small number of
// final outputs. This root package defines the types shared by workers, collectors and
// transports, and is an excellent overview of the framework's key concepts: Processes are
// split into CollectorGroups, Workers periodically push Snapshots of a Document to their
// group's Collector, and each Collector merges them into one output which is written to a Sink.
package collect
