// Package subscription describes which remote data a device pulls and when.
//
// A Definition names a resource type, an optional server-side filter and
// the triggers that make it due. Definitions come from the remote server
// (a Provider) or from CUE files on disk:
//
//	package subscriptions
//
//	subscription: {
//		patients: {
//			resource_type: "Patient"
//			filter:        "active=true"
//			triggers: ["on-start", "periodic-poll"]
//		}
//	}
//
// Each entry is unified with the embedded #Subscription schema before it
// is compiled, so unknown triggers and missing types are load errors.
package subscription
