// Package upload forwards frames to a remote ground-station API.
//
// Uploading is best effort. Every delivered frame results in at most one
// request bounded by a timeout; failures are counted and occasionally logged
// but never reach the capture or confirmation path.
package upload
