// Package alarm implements the alarmengine.v1.AlarmEngine gRPC service.
//
// Messages are protobuf well-known types: requests without input take
// emptypb.Empty and every payload is a structpb.Struct carrying the same
// JSON field names the backend uses. The service descriptor, a typed client
// and the server adapter over the engine live here.
package alarm
