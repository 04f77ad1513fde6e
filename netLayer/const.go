package netLayer

// TCP is the only transport protocol this engine dials or listens on;
// UDP-native transport is out of scope.
const TCP uint16 = 1
