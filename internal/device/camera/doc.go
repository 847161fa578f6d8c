// Package camera is the frame source of the pipeline.
//
// Frames are captured by an ffmpeg subprocess reading a V4L2 device and
// writing an MJPEG byte stream to stdout. The stream is split into single JPEG
// images on their SOI/EOI markers. A Stream is an infinite, non-restartable
// sequence of frames: any device failure, including a read that produces no
// frame within the configured timeout, ends it with a DeviceError.
package camera
