// Package transfer implements the network half of the fetch engine: a
// Unit owns one in-flight transfer and fans its progress and outcome out to
// any number of Subscriptions, while the Scheduler bounds how many units
// talk to the Transport at once. Caller callbacks never run under a lock;
// they are delivered through a Dispatcher, one serial mailbox per
// subscription.
package transfer
