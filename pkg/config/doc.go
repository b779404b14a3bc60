/*
Package config manages partner configuration documents.

A Store persists the documents; MongoStore is the production implementation
over the partner-configurations collection, MemoryStore serves tests and
standalone deployments. Service layers an in-memory snapshot on top with
validation, default-profile fallback for unknown partners, bulk updates, and
change notifications that drive route reconciliation.
*/
package config
