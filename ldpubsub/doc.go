// Package ldpubsub contains a single-writer, many-reader value stream.
//
// A [Publisher] appends values from one goroutine or executor,
// and any number of subscribers follow the resulting [Stream]
// at their own pace without the publisher ever blocking.
package ldpubsub
