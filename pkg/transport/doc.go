/*
Package transport implements the Coordinator's downlink transport layer:
a registry of pluggable Transport implementations that negotiate a single
transport per peer from its advertised preference list and deliver
downlink notifications best-effort.

http_polling is the universal fallback and does no work itself: the
repository's DownlinkEnqueue/DownlinkDrain pair is the actual delivery
mechanism, and every message passes through it regardless of which
transport Negotiate chose. mqtt and amqp additionally publish the same
envelope to a broker so a connected peer doesn't have to poll.

A Dispatch failure is never fatal to the caller: the repository row
remains the record of truth, and a peer that missed a broker publish
will still see the message on its next http_polling drain.
*/
package transport
