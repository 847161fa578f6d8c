// Package frame defines the immutable camera frame shared by every pipeline consumer.
package frame
