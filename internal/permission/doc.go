// Package permission resolves which tracked devices each user may see.
//
// Grants come in two forms, both stored in SQLite:
//   - user_device: a user is granted a single device
//   - user_group: a user is granted a group, which covers every device in
//     that group and in any of its descendant groups
//
// Manager keeps an in-memory snapshot of the expanded per-user device sets,
// the administrator flags and the global server attributes. The snapshot is
// rebuilt on demand by RefreshDeviceAndGroupPermissions (grants and group
// membership) and RefreshAllExtendedPermissions (server attributes), which
// the device registry calls after provisioning a grouped device.
//
// A user with no grants sees nothing. Disabled users see nothing.
// Administrators bypass grants entirely; that decision is made by the
// registry, which asks IsAdmin first.
package permission
