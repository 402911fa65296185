// Package livequery fans saved objects out to in-process subscribers of a class.
//
// The write pipeline publishes after every successful save of a class that has
// at least one subscriber. Delivery is best effort: slow subscribers drop events.
package livequery
