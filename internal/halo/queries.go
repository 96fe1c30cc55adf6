package halo

const queryAnnouncements = `query GetAnnouncementsStudent($courseClassId: String!) {
  announcements(courseClassId: $courseClassId) {
    courseClassId
    forumId
    title
    posts {
      id
      title
      content
      forumId
      forumTitle
      isRead
      modifiedDate
      postStatus
      publishDate
      createdBy {
        id
        user {
          firstName
          lastName
        }
      }
      resources {
        id
        kind
        name
        type
      }
    }
  }
}`

const queryGradeOverview = `query GradeOverview($courseClassSlugId: String!, $courseClassUserIds: [String]) {
  gradeOverview: getAllClassGrades(
    courseClassSlugId: $courseClassSlugId
    courseClassUserIds: $courseClassUserIds
  ) {
    grades {
      id
      status
      userLastSeenDate
      finalPoints
      dueDate
      assessment {
        id
      }
      finalComment {
        comment
      }
    }
  }
}`

const queryAssessmentFeedback = `query AssessmentFeedback($assessmentId: String!, $userId: String!) {
  assessmentFeedback: getGradeForUserCourseClassAssessment(
    courseClassAssessmentId: $assessmentId
    userId: $userId
  ) {
    id
    gradedDate
    dueDate
    finalPoints
    assessment {
      id
      courseClassId
      title
      type
      description
      dueDate
      points
    }
    finalComment {
      comment
    }
    user {
      id
      firstName
      lastName
    }
  }
}`

const queryUserOverview = `query HeaderFields($userId: String!, $skipClasses: Boolean!) {
  userInfo: getUserById(id: $userId) {
    id
    firstName
    lastName
  }
  classes: getCourseClassesForUser @skip(if: $skipClasses) {
    courseClasses {
      id
      classCode
      slugId
      startDate
      endDate
      name
      stage
      courseCode
      instructors {
        ...headerUserFields
      }
      students {
        ...headerUserFields
      }
    }
  }
}

fragment headerUserFields on CourseClassUser {
  id
  courseClassId
  roleName
  baseRoleName
  status
  userId
}`

const queryInboxForums = `query GetInboxForums {
  inboxForums: getInboxForumsForUser {
    id
    title
  }
}`

const queryInboxPosts = `query GetInboxPosts($forumId: String!) {
  inboxPosts: getPostsForForum(forumId: $forumId) {
    id
    forumId
    title
    content
    publishDate
    postStatus
    isRead
    createdBy {
      id
      user {
        firstName
        lastName
      }
    }
  }
}`
