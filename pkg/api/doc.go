// Package api is the HTTP surface of a conveyor instance.
//
// Routes:
//
//	GET  /health
//	GET  <metrics path>
//	POST /api/v1/transfers                      initiate a consumer transfer
//	GET  /api/v1/transfers                      list (?state=&type=&limit=&offset=)
//	GET  /api/v1/transfers/{id}
//	GET  /api/v1/transfers/{id}/edr
//	POST /api/v1/transfers/{id}/{terminate,complete,suspend,resume,deprovision}
//	POST /api/v1/callbacks/{id}/provisioned     external provisioner results
//	POST /api/v1/callbacks/{id}/deprovisioned
//	POST /protocol/messages                     counterparty protocol messages
//	GET  /public/{id}                           pull data plane
package api
