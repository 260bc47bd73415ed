/*
Package server provides the daemon's HTTP admin surface: /health and
/ready with a datastore snapshot, and /metrics with the Prometheus
collectors. The client-facing datastore protocol lives behind its own
transport and is not part of this server.
*/
package server
