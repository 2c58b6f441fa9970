// Package replperf implements the core of a replicated-I/O NVMe-oF
// performance measurement engine: a per-core polling driver that fans
// each logical I/O into N sibling sub-operations across N namespaces,
// tracks completion fan-in, and records per-stage latency.
package replperf
