/*
Package processor forwards queued messages to partner APIs.

Each message runs through an ordered set of stages: validation, header
decryption, credential acquisition, request preparation, and the forward
call. Transient failures
retry with the partner's exponential backoff; a rejected credential is
refreshed and retried once without consuming the attempt budget. Every
message ends with an outcome record, success or failure, carrying the worker
that processed it.
*/
package processor
