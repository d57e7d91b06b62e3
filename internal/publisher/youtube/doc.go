// Package youtube publishes jobs as YouTube videos, one channel per
// authorized-user credentials file.
package youtube
